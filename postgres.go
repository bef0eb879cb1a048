package spacemap

import (
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var postgresDialect = sqlDialect{
	insertIgnore: insertTemplate + " ON CONFLICT DO NOTHING",
	wrapError:    wrapPostgresError,
}

// CreatePostgresRepository stores T in tableName, "schema.table" or "table".
// An empty tableName uses the space name of T. db may use the pgx or the
// lib/pq driver.
func CreatePostgresRepository[K any, T any](db *sqlx.DB, tableName string, options ...RepositoryOption[T]) (Repository[K, T], error) {
	repo, opt, err := newSQLRepository[K, T](db, tableName, postgresDialect, options)
	if err != nil {
		return nil, err
	}

	if opt.initValues != nil {
		if err := initRepository[K, T](repo, opt.initValues); err != nil {
			return nil, err
		}
	}

	return repo, nil
}

func wrapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return errors.WithMessage(ErrKeyAlreadyExists, pgErr.Message)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgerrcode.UniqueViolation {
		return errors.WithMessage(ErrKeyAlreadyExists, pqErr.Message)
	}

	return wrapNoRows(err)
}
