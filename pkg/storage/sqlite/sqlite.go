// Package sqlite implements a storage.Datastore backed by an embedded sqlite
// database. Tuples and authorization models live in two tables; the schema is
// managed with embedded goose migrations.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	_ "modernc.org/sqlite"

	"github.com/permgraph/permgraph/pkg/logger"
	"github.com/permgraph/permgraph/pkg/storage"
	tupleUtils "github.com/permgraph/permgraph/pkg/tuple"
	"github.com/permgraph/permgraph/pkg/typesystem"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var tracer = otel.Tracer("permgraph/pkg/storage/sqlite")

// Datastore is a sqlite-backed storage.Datastore. A single write connection
// is enforced by the driver; readers multiplex freely under WAL.
type Datastore struct {
	db                *sql.DB
	stbl              sq.StatementBuilderType
	logger            logger.Logger
	maxTuplesPerWrite int
}

var _ storage.Datastore = (*Datastore)(nil)

// DatastoreOption configures a Datastore.
type DatastoreOption func(*Datastore)

// WithLogger overrides the default noop logger.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(d *Datastore) {
		d.logger = l
	}
}

// WithMaxTuplesPerWrite overrides the write batch limit.
func WithMaxTuplesPerWrite(n int) DatastoreOption {
	return func(d *Datastore) {
		d.maxTuplesPerWrite = n
	}
}

// New opens, or creates, the sqlite database at the given DSN and migrates it
// to the latest schema. Use "file::memory:?cache=shared" for an in-memory
// database.
func New(dsn string, opts ...DatastoreOption) (*Datastore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// modernc's driver serializes writes itself, but a single writer avoids
	// SQLITE_BUSY under concurrent write transactions.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	d := &Datastore{
		db:                db,
		stbl:              sq.StatementBuilder.RunWith(db),
		logger:            logger.NewNoopLogger(),
		maxTuplesPerWrite: storage.DefaultMaxTuplesPerWrite,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Close closes the database.
func (d *Datastore) Close() {
	d.db.Close()
}

// IsReady see storage.Datastore.IsReady.
func (d *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	if err := d.db.PingContext(ctx); err != nil {
		return storage.ReadinessStatus{Message: err.Error()}, storage.StoreUnavailableError(err)
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// tupleRow is the scan target for the tuple table.
type tupleRow struct {
	objectType       string
	objectID         string
	relation         string
	subject          string
	conditionName    string
	conditionContext string
	insertedAt       time.Time
}

func (r *tupleRow) asTuple() (*tupleUtils.Tuple, error) {
	key := tupleUtils.NewTupleKey(
		tupleUtils.BuildObject(r.objectType, r.objectID),
		r.relation,
		r.subject,
	)

	if r.conditionName != "" {
		key.Condition = &tupleUtils.RelationshipCondition{Name: r.conditionName}
		if r.conditionContext != "" {
			if err := json.Unmarshal([]byte(r.conditionContext), &key.Condition.Context); err != nil {
				return nil, fmt.Errorf("decode condition context: %w", err)
			}
		}
	}

	return &tupleUtils.Tuple{Key: key, Timestamp: r.insertedAt}, nil
}

// queryTuples runs the prepared select and materializes the rows.
func (d *Datastore) queryTuples(ctx context.Context, builder sq.SelectBuilder) ([]*tupleUtils.Tuple, error) {
	rows, err := builder.QueryContext(ctx)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer rows.Close()

	var tuples []*tupleUtils.Tuple
	for rows.Next() {
		var row tupleRow
		if err := rows.Scan(
			&row.objectType, &row.objectID, &row.relation, &row.subject,
			&row.conditionName, &row.conditionContext, &row.insertedAt,
		); err != nil {
			return nil, handleSQLError(err)
		}

		t, err := row.asTuple()
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, t)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}

	return tuples, nil
}

func (d *Datastore) selectTuples() sq.SelectBuilder {
	return d.stbl.
		Select("object_type", "object_id", "relation", "subject",
			"condition_name", "condition_context", "inserted_at").
		From("tuple")
}

// Read see storage.RelationshipTupleReader.Read.
func (d *Datastore) Read(ctx context.Context, tk *tupleUtils.TupleKey) (storage.TupleIterator, error) {
	ctx, span := tracer.Start(ctx, "sqlite.Read")
	defer span.End()

	builder := d.selectTuples()
	if tk != nil {
		if tk.Object != "" {
			objectType, objectID := tupleUtils.SplitObject(tk.Object)
			builder = builder.Where(sq.Eq{"object_type": objectType})
			if objectID != "" {
				builder = builder.Where(sq.Eq{"object_id": objectID})
			}
		}
		if tk.Relation != "" {
			builder = builder.Where(sq.Eq{"relation": tk.Relation})
		}
		if tk.User != "" {
			builder = builder.Where(sq.Eq{"subject": tk.User})
		}
	}

	tuples, err := d.queryTuples(ctx, builder)
	if err != nil {
		return nil, err
	}

	return storage.NewStaticTupleIterator(tuples), nil
}

// ReadUserTuple see storage.RelationshipTupleReader.ReadUserTuple.
func (d *Datastore) ReadUserTuple(ctx context.Context, tk *tupleUtils.TupleKey) (*tupleUtils.Tuple, error) {
	ctx, span := tracer.Start(ctx, "sqlite.ReadUserTuple")
	defer span.End()

	objectType, objectID := tupleUtils.SplitObject(tk.Object)

	tuples, err := d.queryTuples(ctx, d.selectTuples().
		Where(sq.Eq{
			"object_type": objectType,
			"object_id":   objectID,
			"relation":    tk.Relation,
			"subject":     tk.User,
		}).
		Limit(1))
	if err != nil {
		return nil, err
	}
	if len(tuples) == 0 {
		return nil, storage.ErrNotFound
	}

	return tuples[0], nil
}

// ReadUsersetTuples see storage.RelationshipTupleReader.ReadUsersetTuples.
func (d *Datastore) ReadUsersetTuples(ctx context.Context, filter storage.ReadUsersetTuplesFilter) (storage.TupleIterator, error) {
	ctx, span := tracer.Start(ctx, "sqlite.ReadUsersetTuples")
	defer span.End()

	objectType, objectID := tupleUtils.SplitObject(filter.Object)

	builder := d.selectTuples().Where(sq.Eq{
		"object_type": objectType,
		"object_id":   objectID,
		"relation":    filter.Relation,
	})

	if len(filter.AllowedUserTypeRestrictions) == 0 {
		builder = builder.Where(sq.Or{
			sq.Like{"subject": "%#%"},
			sq.Like{"subject": "%:*"},
		})
	} else {
		var orConditions sq.Or
		for _, allowedType := range filter.AllowedUserTypeRestrictions {
			if allowedType.Relation != "" {
				orConditions = append(orConditions, sq.Like{
					"subject": allowedType.Type + ":%#" + allowedType.Relation,
				})
			}
			if allowedType.Wildcard {
				orConditions = append(orConditions, sq.Eq{
					"subject": tupleUtils.TypedPublicWildcard(allowedType.Type),
				})
			}
		}
		if len(orConditions) == 0 {
			return storage.NewEmptyTupleIterator(), nil
		}
		builder = builder.Where(orConditions)
	}

	tuples, err := d.queryTuples(ctx, builder)
	if err != nil {
		return nil, err
	}

	return storage.NewStaticTupleIterator(tuples), nil
}

// ReadStartingWithUser see storage.RelationshipTupleReader.ReadStartingWithUser.
func (d *Datastore) ReadStartingWithUser(ctx context.Context, filter storage.ReadStartingWithUserFilter) (storage.TupleIterator, error) {
	ctx, span := tracer.Start(ctx, "sqlite.ReadStartingWithUser")
	defer span.End()

	targetUsers := make([]string, 0, len(filter.UserFilter))
	for _, u := range filter.UserFilter {
		targetUser := u.Object
		if u.Relation != "" {
			targetUser = tupleUtils.ToObjectRelationString(u.Object, u.Relation)
		}
		targetUsers = append(targetUsers, targetUser)
	}

	tuples, err := d.queryTuples(ctx, d.selectTuples().Where(sq.Eq{
		"object_type": filter.ObjectType,
		"relation":    filter.Relation,
		"subject":     targetUsers,
	}))
	if err != nil {
		return nil, err
	}

	return storage.NewStaticTupleIterator(tuples), nil
}

// Write see storage.RelationshipTupleWriter.Write. The batch is applied in
// one transaction. Deletes match the natural key alone and remove every
// conditioned variant; deleting an absent tuple is a no-op. Rewriting an
// identical tuple is idempotent.
func (d *Datastore) Write(ctx context.Context, deletes storage.Deletes, writes storage.Writes) error {
	ctx, span := tracer.Start(ctx, "sqlite.Write")
	defer span.End()

	if len(deletes)+len(writes) > d.maxTuplesPerWrite {
		return storage.ErrExceededWriteBatchLimit
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return handleSQLError(err)
	}
	defer tx.Rollback()

	stbl := d.stbl.RunWith(tx)
	now := time.Now().UTC()

	for _, tk := range deletes {
		objectType, objectID := tupleUtils.SplitObject(tk.Object)

		if _, err := stbl.Delete("tuple").Where(sq.Eq{
			"object_type": objectType,
			"object_id":   objectID,
			"relation":    tk.Relation,
			"subject":     tk.User,
		}).ExecContext(ctx); err != nil {
			return handleSQLError(err)
		}
	}

	for _, tk := range writes {
		objectType, objectID := tupleUtils.SplitObject(tk.Object)

		var conditionName, conditionContext string
		if tk.Condition != nil {
			conditionName = tk.Condition.Name
			if len(tk.Condition.Context) > 0 {
				raw, err := json.Marshal(tk.Condition.Context)
				if err != nil {
					return fmt.Errorf("encode condition context: %w", err)
				}
				conditionContext = string(raw)
			}
		}

		if _, err := stbl.Insert("tuple").
			Columns("object_type", "object_id", "relation", "subject",
				"condition_name", "condition_context", "inserted_at").
			Values(objectType, objectID, tk.Relation, tk.User,
				conditionName, conditionContext, now).
			Suffix("ON CONFLICT DO NOTHING").
			ExecContext(ctx); err != nil {
			return handleSQLError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return handleSQLError(err)
	}

	return nil
}

// MaxTuplesPerWrite see storage.RelationshipTupleWriter.MaxTuplesPerWrite.
func (d *Datastore) MaxTuplesPerWrite() int {
	return d.maxTuplesPerWrite
}

// WriteAuthorizationModel see storage.AuthorizationModelWriteBackend.WriteAuthorizationModel.
// The model is serialized as JSON.
func (d *Datastore) WriteAuthorizationModel(ctx context.Context, model *typesystem.AuthorizationModel) error {
	ctx, span := tracer.Start(ctx, "sqlite.WriteAuthorizationModel")
	defer span.End()

	serialized, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("encode authorization model: %w", err)
	}

	if _, err := d.stbl.Insert("authorization_model").
		Columns("authorization_model_id", "serialized_model", "inserted_at").
		Values(model.ID, serialized, time.Now().UTC()).
		ExecContext(ctx); err != nil {
		return handleSQLError(err)
	}

	return nil
}

// ReadAuthorizationModel see storage.AuthorizationModelReadBackend.ReadAuthorizationModel.
func (d *Datastore) ReadAuthorizationModel(ctx context.Context, id string) (*typesystem.AuthorizationModel, error) {
	ctx, span := tracer.Start(ctx, "sqlite.ReadAuthorizationModel")
	defer span.End()

	var serialized []byte
	err := d.stbl.
		Select("serialized_model").
		From("authorization_model").
		Where(sq.Eq{"authorization_model_id": id}).
		QueryRowContext(ctx).
		Scan(&serialized)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, typesystem.ErrModelNotFound
		}
		return nil, handleSQLError(err)
	}

	var model typesystem.AuthorizationModel
	if err := json.Unmarshal(serialized, &model); err != nil {
		return nil, fmt.Errorf("decode authorization model: %w", err)
	}

	return &model, nil
}

// FindLatestAuthorizationModelID see storage.AuthorizationModelReadBackend.FindLatestAuthorizationModelID.
// Model IDs are ULIDs, so the latest model is the lexicographic maximum.
func (d *Datastore) FindLatestAuthorizationModelID(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "sqlite.FindLatestAuthorizationModelID")
	defer span.End()

	var id string
	err := d.stbl.
		Select("authorization_model_id").
		From("authorization_model").
		OrderBy("authorization_model_id DESC").
		Limit(1).
		QueryRowContext(ctx).
		Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrLatestAuthorizationModelNotFound
		}
		return "", handleSQLError(err)
	}

	return id, nil
}

// handleSQLError maps driver errors onto the storage error vocabulary.
func handleSQLError(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrNotFound
	case errors.Is(err, context.Canceled):
		return storage.ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return storage.StoreUnavailableError(err)
	}
}
