package spacemap

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type sqlTransaction struct {
	Tx *sqlx.Tx
}

func (st *sqlTransaction) Rollback(_ context.Context) error {
	return st.Tx.Rollback()
}

func (st *sqlTransaction) Commit(_ context.Context) error {
	return st.Tx.Commit()
}

// sqlDialect holds what differs between the SQL databases.
type sqlDialect struct {
	// insertIgnore is the insert statement template skipping duplicate keys.
	insertIgnore string
	wrapError    func(err error) error
}

const (
	insertTemplate = "INSERT INTO %s (%s) VALUES %s"
	upsertTemplate = "INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) DO UPDATE SET %s"
)

// sqlRepository maps T to the rows of a table. Nested values are stored as
// JSON text columns.
type sqlRepository[K any, T any] struct {
	*repository[K, T]
	db      *sqlx.DB
	dialect sqlDialect
	columns []string
}

func newSQLRepository[K any, T any](db *sqlx.DB, tableName string, dialect sqlDialect, options []RepositoryOption[T]) (*sqlRepository[K, T], *option[T], error) {
	r, opt, err := newRepository[K, T](tableName, options)
	if err != nil {
		return nil, nil, err
	}

	return &sqlRepository[K, T]{
		repository: r,
		db:         db,
		dialect:    dialect,
		columns:    r.format.Names(),
	}, opt, nil
}

func (s *sqlRepository[K, T]) Get(ctx context.Context, id K, dest *T, options ...QueryOption) error {
	opt := applyQueryOptions(options)

	terms, err := s.keyTerms(id)
	if err != nil {
		return err
	}
	where, args, err := parseFilterTermsIntoWhereClause(terms)
	if err != nil {
		return err
	}

	tx, err := s.createTransaction(ctx, opt)
	if err != nil {
		return s.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	qry := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(s.columns, ","), s.name, where)
	qry = tx.Rebind(qry)

	row := make(map[string]any)
	if err := tx.QueryRowxContext(ctx, qry, args...).MapScan(row); err != nil {
		return s.dialect.wrapError(err)
	}

	if err := s.readRow(row, dest); err != nil {
		return err
	}

	return s.finish(tx, opt)
}

func (s *sqlRepository[K, T]) Select(ctx context.Context, filterMap map[string]any, dest *[]T, options ...QueryOption) error {
	opt := applyQueryOptions(options)

	tx, err := s.createTransaction(ctx, opt)
	if err != nil {
		return s.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	rows, err := s.query(ctx, tx, filterMap, opt)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return s.dialect.wrapError(err)
		}

		var value T
		if err := s.readRow(row, &value); err != nil {
			return err
		}
		*dest = append(*dest, value)
	}

	if err := rows.Err(); err != nil {
		return s.dialect.wrapError(err)
	}

	return s.finish(tx, opt)
}

func (s *sqlRepository[K, T]) Iterator(ctx context.Context, filterMap map[string]any, options ...QueryOption) (RowIterator[T], error) {
	opt := applyQueryOptions(options)

	var q sqlx.QueryerContext = s.db
	if tx, ok := opt.Tx.(*sqlTransaction); ok {
		q = tx.Tx
	}

	rows, err := s.query(ctx, q, filterMap, opt)
	if err != nil {
		return nil, err
	}

	return &sqlRowIterator[K, T]{rows: rows, repo: s}, nil
}

func (s *sqlRepository[K, T]) query(ctx context.Context, q sqlx.QueryerContext, filterMap map[string]any, opt *queryOption) (*sqlx.Rows, error) {
	terms, err := s.filterTerms(filterMap)
	if err != nil {
		return nil, err
	}

	filter, args, err := parseFilterTermsIntoWhereClause(terms)
	if err != nil {
		return nil, err
	}
	if filter != "" {
		filter = " WHERE " + filter
	}

	order := MakeSortClause(opt.Sorter, s.sortFieldMap())
	if order != "" {
		order = " ORDER BY " + order
	}

	paging := CreateLimitOffsetSql(opt.Limit, opt.Offset)

	qry := fmt.Sprintf("SELECT %s FROM %s%s%s%s", strings.Join(s.columns, ","), s.name, filter, order, paging)
	qry = s.db.Rebind(qry)
	s.logStatement(qry, args)

	rows, err := q.QueryxContext(ctx, qry, args...)
	if err != nil {
		return nil, s.dialect.wrapError(err)
	}
	return rows, nil
}

func (s *sqlRepository[K, T]) Insert(ctx context.Context, value T, options ...QueryOption) (K, error) {
	opt := applyQueryOptions(options)

	var zeroKey K
	qry, args, err := s.createMultiInsertQuery([]T{value}, opt.IgnoreDuplicate)
	if err != nil {
		return zeroKey, err
	}

	tx, err := s.createTransaction(ctx, opt)
	if err != nil {
		return zeroKey, s.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	qry = tx.Rebind(qry)
	s.logStatement(qry, args)
	if _, err := tx.ExecContext(ctx, qry, args...); err != nil {
		return zeroKey, s.dialect.wrapError(err)
	}

	if err := s.finish(tx, opt); err != nil {
		return zeroKey, err
	}

	return s.identifierOf(&value)
}

func (s *sqlRepository[K, T]) InsertAll(ctx context.Context, values []T, options ...QueryOption) ([]K, error) {
	opt := applyQueryOptions(options)

	tx, err := s.createTransaction(ctx, opt)
	if err != nil {
		return nil, s.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	ids := make([]K, 0, len(values))
	for _, batch := range SplitBatch(values, s.batchSize) {
		qry, args, err := s.createMultiInsertQuery(batch, opt.IgnoreDuplicate)
		if err != nil {
			return nil, err
		}

		qry = tx.Rebind(qry)
		s.logStatement(qry, args)
		if _, err := tx.ExecContext(ctx, qry, args...); err != nil {
			return nil, s.dialect.wrapError(err)
		}

		for i := range batch {
			id, err := s.identifierOf(&batch[i])
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}

	if err := s.finish(tx, opt); err != nil {
		return nil, err
	}

	return ids, nil
}

func (s *sqlRepository[K, T]) Update(ctx context.Context, id K, keyvals map[string]any, options ...QueryOption) error {
	opt := applyQueryOptions(options)

	qry, args, err := s.createUpdateQuery(id, keyvals)
	if err != nil {
		return err
	}

	tx, err := s.createTransaction(ctx, opt)
	if err != nil {
		return s.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	qry = tx.Rebind(qry)
	s.logStatement(qry, args)
	res, err := tx.ExecContext(ctx, qry, args...)
	if err != nil {
		return s.dialect.wrapError(err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrKeyNotFound
	}

	return s.finish(tx, opt)
}

func (s *sqlRepository[K, T]) Upsert(ctx context.Context, value *T, options ...QueryOption) error {
	opt := applyQueryOptions(options)

	id, err := s.identifierOf(value)
	if err != nil {
		return err
	}

	row, err := s.createRow(value)
	if err != nil {
		return err
	}

	tx, err := s.createTransaction(ctx, opt)
	if err != nil {
		return s.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	versionCol, versioned := s.versionColumn()
	if !versioned {
		qry, args, err := s.createUpsertQuery(row)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(qry), args...); err != nil {
			return s.dialect.wrapError(err)
		}
		return s.finish(tx, opt)
	}

	version, _, err := s.converter.VersionOf(value)
	if err != nil {
		return err
	}
	if i := sliceIndex(s.columns, versionCol); i >= 0 {
		row[i] = version + 1
	}

	if version == 0 {
		qry, args, err := sqlx.In(fmt.Sprintf(insertTemplate, s.name, strings.Join(s.columns, ","), "(?)"), row)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(qry), args...); err != nil {
			err = s.dialect.wrapError(err)
			if errors.Is(err, ErrKeyAlreadyExists) {
				return errors.WithMessagef(ErrVersionConflict, "%s %v already stored", s.name, id)
			}
			return err
		}
	} else {
		qry, args, err := s.createVersionedUpdateQuery(id, row, versionCol, version)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(qry), args...)
		if err != nil {
			return s.dialect.wrapError(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errors.WithMessagef(ErrVersionConflict, "%s %v is not at version %d", s.name, id, version)
		}
	}

	if err := s.finish(tx, opt); err != nil {
		return err
	}

	return s.converter.SetVersion(value, version+1)
}

func (s *sqlRepository[K, T]) Delete(ctx context.Context, ids []K, options ...QueryOption) error {
	opt := applyQueryOptions(options)

	tx, err := s.createTransaction(ctx, opt)
	if err != nil {
		return s.dialect.wrapError(err)
	}

	if opt.Tx == nil {
		defer tx.Rollback()
	}

	for _, batch := range SplitBatch(ids, s.batchSize) {
		qry, args, err := s.createDeleteQuery(batch)
		if err != nil {
			return err
		}

		qry = tx.Rebind(qry)
		s.logStatement(qry, args)
		if _, err := tx.ExecContext(ctx, qry, args...); err != nil {
			return s.dialect.wrapError(err)
		}
	}

	return s.finish(tx, opt)
}

func (s *sqlRepository[K, T]) Begin(ctx context.Context) (Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.dialect.wrapError(err)
	}

	return &sqlTransaction{Tx: tx}, nil
}

func (s *sqlRepository[K, T]) createTransaction(ctx context.Context, opt *queryOption) (*sqlx.Tx, error) {
	if opt.Tx != nil {
		if tx, ok := opt.Tx.(*sqlTransaction); ok {
			return tx.Tx, nil
		}
	}

	return s.db.BeginTxx(ctx, nil)
}

// finish commits the transaction unless it belongs to the caller.
func (s *sqlRepository[K, T]) finish(tx *sqlx.Tx, opt *queryOption) error {
	if opt.Tx != nil {
		return nil
	}
	return s.dialect.wrapError(tx.Commit())
}

func (s *sqlRepository[K, T]) logStatement(qry string, args []any) {
	s.converter.logger.WithFields(logrus.Fields{
		"table": s.name,
		"args":  len(args),
	}).Debug(qry)
}

// createRow converts value into the column values of a row, in column order.
func (s *sqlRepository[K, T]) createRow(value *T) ([]any, error) {
	rec, err := s.converter.ToMap(value)
	if err != nil {
		return nil, err
	}

	row := make([]any, len(s.columns))
	for i, col := range s.columns {
		v, ok := rec[col]
		if !ok {
			continue
		}
		if row[i], err = encodeSQLValue(v); err != nil {
			return nil, bindingError(s.def.Type, col, err)
		}
	}
	return row, nil
}

// readRow converts a scanned row into dest, decoding JSON columns of nested fields.
func (s *sqlRepository[K, T]) readRow(row map[string]any, dest *T) error {
	rec := make(MapRecord, len(row))
	for col, v := range row {
		if v == nil {
			continue
		}

		f, ok := s.lookupField(col)
		if !ok {
			rec[col] = v
			continue
		}

		if b, isBytes := v.([]byte); isBytes && base(f.Type) != typeOfBytes {
			v = string(b)
		}

		if text, isText := v.(string); isText && !s.converter.coercions.IsLeaf(f.Type) {
			var decoded any
			if err := json.Unmarshal([]byte(text), &decoded); err != nil {
				if base(f.Type).Kind() != reflect.Interface {
					return bindingError(s.def.Type, f.Name, err)
				}
			} else {
				v = decoded
			}
		}

		rec[col] = v
	}

	return s.converter.Read(rec, dest)
}

func (s *sqlRepository[K, T]) createMultiInsertQuery(values []T, ignoreDup bool) (strSql string, args []any, err error) {
	if len(values) == 0 {
		err = fmt.Errorf("values is zero length slice")
		return
	}

	var insertValues []string
	for i := range values {
		row, err := s.createRow(&values[i])
		if err != nil {
			return "", nil, err
		}

		args = append(args, row)
		insertValues = append(insertValues, "(?)")
	}

	tmpl := insertTemplate
	if ignoreDup {
		tmpl = s.dialect.insertIgnore
	}
	strSql = fmt.Sprintf(tmpl, s.name, strings.Join(s.columns, ","), strings.Join(insertValues, ","))

	return sqlx.In(strSql, args...)
}

func (s *sqlRepository[K, T]) createUpsertQuery(row []any) (string, []any, error) {
	var sets []string
	for _, col := range s.columns {
		if sliceContains(s.keyColumns, col) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	qry := fmt.Sprintf(upsertTemplate, s.name, strings.Join(s.columns, ","), "(?)", strings.Join(s.keyColumns, ","), strings.Join(sets, ","))
	return sqlx.In(qry, row)
}

func (s *sqlRepository[K, T]) createUpdateQuery(id K, keyvals map[string]any) (string, []any, error) {
	terms, err := s.filterTerms(keyvals)
	if err != nil {
		return "", nil, err
	}
	if len(terms) == 0 {
		return "", nil, fmt.Errorf("nothing to update")
	}

	var sets []string
	var args []any
	for _, t := range terms {
		v, err := encodeSQLValue(t.value)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = ?", t.column))
		args = append(args, v)
	}

	keys, err := s.keyTerms(id)
	if err != nil {
		return "", nil, err
	}
	where, whereArgs, err := parseFilterTermsIntoWhereClause(keys)
	if err != nil {
		return "", nil, err
	}

	qry := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.name, strings.Join(sets, ","), where)
	return qry, append(args, whereArgs...), nil
}

func (s *sqlRepository[K, T]) createVersionedUpdateQuery(id K, row []any, versionCol string, version int64) (string, []any, error) {
	var sets []string
	var args []any
	for i, col := range s.columns {
		if sliceContains(s.keyColumns, col) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = ?", col))
		args = append(args, row[i])
	}

	keys, err := s.keyTerms(id)
	if err != nil {
		return "", nil, err
	}
	keys = append(keys, filterTerm{column: versionCol, value: version})
	where, whereArgs, err := parseFilterTermsIntoWhereClause(keys)
	if err != nil {
		return "", nil, err
	}

	qry := fmt.Sprintf("UPDATE %s SET %s WHERE %s", s.name, strings.Join(sets, ","), where)
	return qry, append(args, whereArgs...), nil
}

func (s *sqlRepository[K, T]) createDeleteQuery(ids []K) (string, []any, error) {
	if len(s.keyColumns) == 1 {
		values := make([]any, 0, len(ids))
		for _, id := range ids {
			terms, err := s.keyTerms(id)
			if err != nil {
				return "", nil, err
			}
			values = append(values, terms[0].value)
		}
		qry := fmt.Sprintf("DELETE FROM %s WHERE %s IN (?)", s.name, s.keyColumns[0])
		return sqlx.In(qry, values)
	}

	var clauses []string
	var args []any
	for _, id := range ids {
		terms, err := s.keyTerms(id)
		if err != nil {
			return "", nil, err
		}
		where, whereArgs, err := parseFilterTermsIntoWhereClause(terms)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "("+where+")")
		args = append(args, whereArgs...)
	}

	return fmt.Sprintf("DELETE FROM %s WHERE %s", s.name, strings.Join(clauses, " OR ")), args, nil
}

type sqlRowIterator[K any, T any] struct {
	rows *sqlx.Rows
	repo *sqlRepository[K, T]
}

func (it *sqlRowIterator[K, T]) Next() (*T, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, it.repo.dialect.wrapError(err)
		}
		return nil, ErrNoRow
	}

	row := make(map[string]any)
	if err := it.rows.MapScan(row); err != nil {
		return nil, it.repo.dialect.wrapError(err)
	}

	var value T
	if err := it.repo.readRow(row, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

func (it *sqlRowIterator[K, T]) Close() error {
	return it.rows.Close()
}

// encodeSQLValue turns nested values into JSON text.
func encodeSQLValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

func wrapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.WithMessage(ErrKeyNotFound, err.Error())
	}
	return err
}

func sliceIndex(list []string, val string) int {
	for i, item := range list {
		if item == val {
			return i
		}
	}
	return -1
}

// parseSorter splits "-name" into the lower cased field name and the
// descending flag; "+name" and "name" sort ascending.
func parseSorter(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	switch s[:1] {
	case "-":
		return strings.ToLower(s[1:]), true
	case "+":
		return strings.ToLower(s[1:]), false
	}
	return strings.ToLower(s), false
}

func MakeSortClause(sorter []string, sortFieldMap map[string]string) string {
	if len(sorter) == 0 {
		return ""
	}

	var srt []string
	for _, s := range sorter {
		field, desc := parseSorter(s)
		if field == "" {
			continue
		}

		op := "ASC"
		if desc {
			op = "DESC"
		}

		if sortFieldMap != nil {
			if mf, ok := sortFieldMap[field]; ok {
				field = mf
			}
		}

		srt = append(srt, fmt.Sprintf("%s %s", field, op))
	}

	return strings.Join(srt, ",")
}

// CreateLimitOffsetSql returns the paging suffix of a select statement.
func CreateLimitOffsetSql(limit int, offset int64) string {
	if limit < 0 {
		limit = 0
	}

	qry := strings.Builder{}

	if limit > 0 {
		qry.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}

	if offset > 0 {
		qry.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}

	return qry.String()
}

type FilterNull interface {
	IsNull() bool
}

type filterNull bool

func (fn filterNull) IsNull() bool {
	return bool(fn)
}

func FilterNullFrom(isNull bool) FilterNull {
	return filterNull(isNull)
}

type FilterStringContains interface {
	Contains() string
}

type filterStringContains string

func (fs filterStringContains) Contains() string {
	return fmt.Sprintf("%%%s%%", string(fs))
}

func FilterStringContainsFrom(str string) FilterStringContains {
	return filterStringContains(str)
}

// ParseFilterMapIntoWhereClause builds a where clause with ? placeholders
// from column/value pairs, in column order.
func ParseFilterMapIntoWhereClause(filterMap map[string]any) (whereClause string, args []any, err error) {
	keys := make([]string, 0, len(filterMap))
	for k := range filterMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	terms := make([]filterTerm, 0, len(keys))
	for _, k := range keys {
		v := filterMap[k]
		rv := reflect.ValueOf(v)
		isSet := rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8
		terms = append(terms, filterTerm{column: k, value: v, set: isSet})
	}

	return parseFilterTermsIntoWhereClause(terms)
}

func parseFilterTermsIntoWhereClause(terms []filterTerm) (string, []any, error) {
	where := ""
	var args []any
	for _, t := range terms {
		if fnull, ok := t.value.(FilterNull); ok {
			if len(where) > 0 {
				where += " AND "
			}
			isNot := ""
			if !fnull.IsNull() {
				isNot = "NOT "
			}
			where += fmt.Sprintf("%s IS %sNULL", t.column, isNot)
			continue
		}

		if fcontain, ok := t.value.(FilterStringContains); ok {
			if len(where) > 0 {
				where += " AND "
			}
			where += fmt.Sprintf("%s LIKE ?", t.column)
			args = append(args, fcontain.Contains())
			continue
		}

		if !t.set {
			v, err := encodeSQLValue(t.value)
			if err != nil {
				return "", nil, err
			}
			if len(where) > 0 {
				where += " AND "
			}
			where += t.column + " = ?"
			args = append(args, v)
			continue
		}

		if f, arg, err := parameterizedFilterCriteriaSlice(t.column, t.value); err == nil {
			if len(where) > 0 {
				where += " AND "
			}

			where += f
			args = append(args, arg)
		}
	}

	return sqlx.In(where, args...)
}

func parameterizedFilterCriteriaSlice(fieldname string, values any) (string, any, error) {
	where := fieldname
	vtype := reflect.TypeOf(values)
	if vtype.Kind() == reflect.Ptr {
		vtype = vtype.Elem()
	}

	if vtype.Kind() != reflect.Slice {
		return "", nil, fmt.Errorf("expecting slice as values, got %s", vtype.Kind().String())
	}

	s := reflect.ValueOf(values)
	if s.Len() == 0 {
		return "", nil, fmt.Errorf("cannot use empty slice to parameterized")
	}

	var value any
	if s.Len() > 1 {
		where += " IN (?)"
		value = values
	} else {
		where += " = ?"
		value = s.Index(0).Interface()
	}

	return where, value, nil
}
