package spacemap

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mongoOptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

type mongoRepository[K any, T any] struct {
	*repository[K, T]
	db         *mongo.Database
	collection *mongo.Collection
}

// CreateMongoRepository stores T in the collection collName of db, or in the
// space name of T when collName is empty.
func CreateMongoRepository[K any, T any](db *mongo.Database, collName string, options ...RepositoryOption[T]) (Repository[K, T], error) {
	r, opt, err := newRepository[K, T](collName, options)
	if err != nil {
		return nil, err
	}

	repo := &mongoRepository[K, T]{
		repository: r,
		db:         db,
		collection: db.Collection(r.name),
	}

	if opt.initValues != nil {
		if err := initRepository[K, T](repo, opt.initValues); err != nil {
			return nil, err
		}
	}

	return repo, nil
}

func (m *mongoRepository[K, T]) Get(ctx context.Context, id K, dest *T, options ...QueryOption) error {
	opt := applyQueryOptions(options)
	ctx = m.setTransactionContext(ctx, opt)

	filter, err := m.keyFilter(id)
	if err != nil {
		return err
	}

	var doc bson.M
	if err := m.collection.FindOne(ctx, filter).Decode(&doc); err != nil {
		return wrapMongoError(err)
	}

	return m.converter.Read(doc, dest)
}

func (m *mongoRepository[K, T]) Select(ctx context.Context, filterMap map[string]any, dest *[]T, options ...QueryOption) error {
	opt := applyQueryOptions(options)
	ctx = m.setTransactionContext(ctx, opt)

	cur, err := m.find(ctx, filterMap, opt)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return wrapMongoError(err)
	}

	for _, doc := range docs {
		var value T
		if err := m.converter.Read(doc, &value); err != nil {
			return err
		}
		*dest = append(*dest, value)
	}

	return nil
}

func (m *mongoRepository[K, T]) Iterator(ctx context.Context, filterMap map[string]any, options ...QueryOption) (RowIterator[T], error) {
	opt := applyQueryOptions(options)
	ctx = m.setTransactionContext(ctx, opt)

	cur, err := m.find(ctx, filterMap, opt)
	if err != nil {
		return nil, err
	}

	return &mongoIterator[T]{ctx: ctx, cur: cur, converter: m.converter}, nil
}

func (m *mongoRepository[K, T]) find(ctx context.Context, filterMap map[string]any, opt *queryOption) (*mongo.Cursor, error) {
	terms, err := m.filterTerms(filterMap)
	if err != nil {
		return nil, err
	}

	findOpt := mongoOptions.Find()
	if opt.Limit > 0 {
		findOpt.SetLimit(int64(opt.Limit))
	}
	if opt.Offset > 0 {
		findOpt.SetSkip(opt.Offset)
	}
	if sort := makeMongoSort(opt.Sorter, m.sortFieldMap()); len(sort) > 0 {
		findOpt.SetSort(sort)
	}

	cur, err := m.collection.Find(ctx, parseFilterTermsIntoFilter(terms), findOpt)
	if err != nil {
		return nil, wrapMongoError(err)
	}
	return cur, nil
}

func (m *mongoRepository[K, T]) Insert(ctx context.Context, value T, options ...QueryOption) (K, error) {
	opt := applyQueryOptions(options)
	ctx = m.setTransactionContext(ctx, opt)

	var zeroKey K
	doc := bson.M{}
	if err := m.converter.Write(&value, doc); err != nil {
		return zeroKey, err
	}

	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		if !(opt.IgnoreDuplicate && mongo.IsDuplicateKeyError(err)) {
			return zeroKey, wrapMongoError(err)
		}
	}

	return m.identifierOf(&value)
}

func (m *mongoRepository[K, T]) InsertAll(ctx context.Context, values []T, options ...QueryOption) ([]K, error) {
	opt := applyQueryOptions(options)
	ctx = m.setTransactionContext(ctx, opt)

	ids := make([]K, 0, len(values))
	for _, batch := range SplitBatch(values, m.batchSize) {
		docs := make([]any, len(batch))
		for i := range batch {
			doc := bson.M{}
			if err := m.converter.Write(&batch[i], doc); err != nil {
				return nil, err
			}
			docs[i] = doc

			id, err := m.identifierOf(&batch[i])
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}

		insertOpt := mongoOptions.InsertMany().SetOrdered(!opt.IgnoreDuplicate)
		if _, err := m.collection.InsertMany(ctx, docs, insertOpt); err != nil {
			if !(opt.IgnoreDuplicate && mongo.IsDuplicateKeyError(err)) {
				return nil, wrapMongoError(err)
			}
		}
	}

	return ids, nil
}

func (m *mongoRepository[K, T]) Update(ctx context.Context, id K, keyvals map[string]any, options ...QueryOption) error {
	opt := applyQueryOptions(options)
	ctx = m.setTransactionContext(ctx, opt)

	filter, err := m.keyFilter(id)
	if err != nil {
		return err
	}

	terms, err := m.filterTerms(keyvals)
	if err != nil {
		return err
	}

	set := bson.D{}
	for _, t := range terms {
		set = append(set, bson.E{Key: t.column, Value: t.value})
	}

	up, err := m.collection.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return wrapMongoError(err)
	}

	if up.MatchedCount == 0 {
		return ErrKeyNotFound
	}

	return nil
}

func (m *mongoRepository[K, T]) Upsert(ctx context.Context, value *T, options ...QueryOption) error {
	opt := applyQueryOptions(options)
	ctx = m.setTransactionContext(ctx, opt)

	id, err := m.identifierOf(value)
	if err != nil {
		return err
	}
	filter, err := m.keyFilter(id)
	if err != nil {
		return err
	}

	doc := bson.M{}
	if err := m.converter.Write(value, doc); err != nil {
		return err
	}

	versionCol, versioned := m.versionColumn()
	if !versioned {
		_, err := m.collection.ReplaceOne(ctx, filter, doc, mongoOptions.Replace().SetUpsert(true))
		return wrapMongoError(err)
	}

	version, _, err := m.converter.VersionOf(value)
	if err != nil {
		return err
	}
	doc[versionCol] = version + 1

	if version == 0 {
		if _, err := m.collection.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return errors.WithMessagef(ErrVersionConflict, "%s %v already stored", m.name, id)
			}
			return wrapMongoError(err)
		}
	} else {
		filter = append(filter, bson.E{Key: versionCol, Value: version})
		res, err := m.collection.ReplaceOne(ctx, filter, doc)
		if err != nil {
			return wrapMongoError(err)
		}
		if res.MatchedCount == 0 {
			return errors.WithMessagef(ErrVersionConflict, "%s %v is not at version %d", m.name, id, version)
		}
	}

	return m.converter.SetVersion(value, version+1)
}

func (m *mongoRepository[K, T]) Delete(ctx context.Context, ids []K, options ...QueryOption) error {
	opt := applyQueryOptions(options)
	ctx = m.setTransactionContext(ctx, opt)

	if len(ids) == 0 {
		return nil
	}

	var filter bson.D
	if len(m.keyColumns) == 1 {
		values := make([]any, 0, len(ids))
		for _, id := range ids {
			terms, err := m.keyTerms(id)
			if err != nil {
				return err
			}
			values = append(values, terms[0].value)
		}
		filter = bson.D{{Key: m.keyColumns[0], Value: bson.M{"$in": values}}}
	} else {
		or := bson.A{}
		for _, id := range ids {
			f, err := m.keyFilter(id)
			if err != nil {
				return err
			}
			or = append(or, f)
		}
		filter = bson.D{{Key: "$or", Value: or}}
	}

	res, err := m.collection.DeleteMany(ctx, filter)
	if err != nil {
		return wrapMongoError(err)
	}

	m.converter.logger.WithFields(logrus.Fields{
		"collection": m.name,
		"deleted":    res.DeletedCount,
	}).Debug("documents deleted")
	return nil
}

func (m *mongoRepository[K, T]) Begin(ctx context.Context) (Transaction, error) {
	session, err := m.db.Client().StartSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create mongodb session")
	}

	sctx := mongo.NewSessionContext(ctx, session)

	wc := writeconcern.New(writeconcern.WMajority())
	rc := readconcern.Snapshot()
	txnOpts := mongoOptions.Transaction().SetWriteConcern(wc).SetReadConcern(rc)

	if err := session.StartTransaction(txnOpts); err != nil {
		session.EndSession(ctx)
		return nil, err
	}

	return &mongoTransaction{
		session: session,
		sctx:    sctx,
	}, nil
}

func (m *mongoRepository[K, T]) keyFilter(id K) (bson.D, error) {
	terms, err := m.keyTerms(id)
	if err != nil {
		return nil, err
	}

	filter := bson.D{}
	for _, t := range terms {
		filter = append(filter, bson.E{Key: t.column, Value: t.value})
	}
	return filter, nil
}

func (m *mongoRepository[K, T]) setTransactionContext(ctx context.Context, opt *queryOption) context.Context {
	if opt.Tx != nil {
		tx, ok := opt.Tx.(*mongoTransaction)
		if ok {
			return tx.sctx
		}
	}

	return ctx
}

// parseFilterTermsIntoFilter builds a find filter: slices match any of their
// values, FilterNull checks presence and FilterStringContains is a substring match.
func parseFilterTermsIntoFilter(terms []filterTerm) bson.D {
	filter := bson.D{}
	for _, t := range terms {
		if values, ok := t.value.([]any); ok && t.set {
			switch {
			case len(values) == 1:
				filter = append(filter, bson.E{Key: t.column, Value: values[0]})
			case len(values) > 1:
				filter = append(filter, bson.E{Key: t.column, Value: bson.M{"$in": values}})
			}
			continue
		}

		switch v := t.value.(type) {
		case FilterNull:
			if v.IsNull() {
				filter = append(filter, bson.E{Key: t.column, Value: nil})
			} else {
				filter = append(filter, bson.E{Key: t.column, Value: bson.M{"$ne": nil}})
			}
		case FilterStringContains:
			pattern := regexp.QuoteMeta(strings.Trim(v.Contains(), "%"))
			filter = append(filter, bson.E{Key: t.column, Value: primitive.Regex{Pattern: pattern}})
		default:
			filter = append(filter, bson.E{Key: t.column, Value: v})
		}
	}
	return filter
}

func makeMongoSort(sorter []string, sortFieldMap map[string]string) bson.D {
	var sort bson.D
	for _, s := range sorter {
		field, desc := parseSorter(s)
		if mf, ok := sortFieldMap[field]; ok {
			field = mf
		}

		order := 1
		if desc {
			order = -1
		}
		sort = append(sort, bson.E{Key: field, Value: order})
	}
	return sort
}

func wrapMongoError(err error) error {
	if err == nil {
		return nil
	}

	if mongo.IsDuplicateKeyError(err) {
		return errors.WithMessage(ErrKeyAlreadyExists, err.Error())
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return errors.WithMessage(ErrKeyNotFound, err.Error())
	}

	return err
}

type mongoTransaction struct {
	session mongo.Session
	sctx    mongo.SessionContext
}

func (tx *mongoTransaction) Rollback(ctx context.Context) error {
	defer tx.session.EndSession(ctx)
	return tx.session.AbortTransaction(ctx)
}

func (tx *mongoTransaction) Commit(ctx context.Context) error {
	defer tx.session.EndSession(ctx)
	return tx.session.CommitTransaction(tx.sctx)
}

type mongoIterator[T any] struct {
	ctx       context.Context
	cur       *mongo.Cursor
	converter *Converter
}

func (it *mongoIterator[T]) Next() (*T, error) {
	if !it.cur.Next(it.ctx) {
		if err := it.cur.Err(); err != nil {
			return nil, wrapMongoError(err)
		}
		return nil, ErrNoRow
	}

	var doc bson.M
	if err := it.cur.Decode(&doc); err != nil {
		return nil, wrapMongoError(err)
	}

	var value T
	if err := it.converter.Read(doc, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

func (it *mongoIterator[T]) Close() error {
	return it.cur.Close(it.ctx)
}
