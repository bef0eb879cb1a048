package spacemap

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v4"
)

var sqliteDialect = sqlDialect{
	insertIgnore: "INSERT OR IGNORE INTO %s (%s) VALUES %s",
	wrapError:    wrapSqliteError,
}

// CreateSqliteRepository stores T in tableName, or in the space name of T
// when tableName is empty. The table must exist and hold every column of T.
func CreateSqliteRepository[K any, T any](db *sqlx.DB, tableName string, options ...RepositoryOption[T]) (Repository[K, T], error) {
	repo, opt, err := newSQLRepository[K, T](db, tableName, sqliteDialect, options)
	if err != nil {
		return nil, err
	}

	cols, err := sqliteGetColumns(db, repo.name)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(cols))
	for _, c := range cols {
		existing[strings.ToLower(c)] = true
	}
	for _, c := range repo.columns {
		if !existing[strings.ToLower(c)] {
			return nil, fmt.Errorf("table %s has no column %s: %w", repo.name, c, ErrUnknownColumn)
		}
	}

	if opt.initValues != nil {
		if err := initRepository[K, T](repo, opt.initValues); err != nil {
			return nil, err
		}
	}

	return repo, nil
}

func wrapSqliteError(err error) error {
	if err == nil {
		return nil
	}

	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errors.WithMessage(ErrKeyAlreadyExists, err.Error())
	}

	return wrapNoRows(err)
}

func sqliteGetColumns(db *sqlx.DB, table string) ([]string, error) {
	qry := fmt.Sprintf("PRAGMA table_info(%s)", table)

	qry = db.Rebind(qry)
	type columnInfo struct {
		CID       int        `db:"cid"`
		Name      string     `db:"name"`
		Type      string     `db:"type"`
		NotNull   int        `db:"notnull"`
		DfltValue null.Float `db:"dflt_value"`
		Pk        int        `db:"pk"`
	}

	var cols []columnInfo
	if err := db.Select(&cols, qry); err != nil {
		return nil, err
	}

	return sliceMap(cols, func(col columnInfo) string {
		return col.Name
	}), nil
}

// LoadCsv reads csv lines into T through the converter of repo and inserts
// them. Without a header the fields follow the column order of T.
func LoadCsv[K any, T any](repo Repository[K, T], csvInput io.Reader, withHeader bool, Tx ...Transaction) error {
	sq, ok := repo.(*sqlRepository[K, T])
	if !ok {
		return fmt.Errorf("repository is not a SQL repository")
	}

	opt := &queryOption{}
	if len(Tx) > 0 {
		opt.Tx = Tx[0]
	}

	tx, err := sq.createTransaction(context.Background(), opt)
	if err != nil {
		return sq.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	stmt, err := sq.createInsertStatement(tx)
	if err != nil {
		return err
	}
	defer stmt.Close()

	rd := csv.NewReader(csvInput)

	header := sq.columns
	if withHeader {
		line, err := rd.Read()
		if err != nil {
			return err
		}

		if len(line) != len(sq.columns) {
			return fmt.Errorf("column count in CSV does not match table")
		}

		header = make([]string, len(line))
		for i, col := range line {
			f, ok := sq.lookupField(strings.TrimSpace(col))
			if !ok {
				return fmt.Errorf("columns header %q doesn't match the table columns: %w", col, ErrUnknownColumn)
			}
			header[i] = f.Column
		}
	}

	for {
		line, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		rec := make(MapRecord, len(line))
		for i, val := range line {
			if i >= len(header) {
				break
			}
			if val = strings.TrimSpace(val); val != "" {
				rec[header[i]] = val
			}
		}

		var value T
		if err := sq.converter.Read(rec, &value); err != nil {
			return err
		}

		row, err := sq.createRow(&value)
		if err != nil {
			return err
		}

		if _, err := stmt.Exec(row...); err != nil {
			return sq.dialect.wrapError(err)
		}
	}

	if opt.Tx == nil {
		return sq.dialect.wrapError(tx.Commit())
	}

	return nil
}

// StreamInsert inserts every value received from rows until the channel is closed.
func StreamInsert[K any, T any](repo Repository[K, T], rows <-chan T, Tx ...Transaction) error {
	sq, ok := repo.(*sqlRepository[K, T])
	if !ok {
		return fmt.Errorf("repository is not a SQL repository")
	}

	opt := &queryOption{}
	if len(Tx) > 0 {
		opt.Tx = Tx[0]
	}

	tx, err := sq.createTransaction(context.Background(), opt)
	if err != nil {
		return sq.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	stmt, err := sq.createInsertStatement(tx)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for value := range rows {
		row, err := sq.createRow(&value)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(row...); err != nil {
			return sq.dialect.wrapError(err)
		}
	}

	if opt.Tx == nil {
		return sq.dialect.wrapError(tx.Commit())
	}

	return nil
}

func (s *sqlRepository[K, T]) createInsertStatement(tx *sqlx.Tx, withInsertIgnore ...bool) (*sqlx.Stmt, error) {
	tmpl := insertTemplate
	if len(withInsertIgnore) > 0 && withInsertIgnore[0] {
		tmpl = s.dialect.insertIgnore
	}

	pl := "(?" + strings.Repeat(",?", len(s.columns)-1) + ")"
	str := fmt.Sprintf(tmpl, s.name, strings.Join(s.columns, ","), pl)

	return tx.Preparex(tx.Rebind(str))
}
