package postgres

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/authzed/rebacd/internal/datastore"
)

const (
	errUnableToInstantiate = "unable to instantiate datastore: %w"
	errRevision            = "unable to find revision: %w"
	errCheckRevision       = "unable to check revision: %w"
)

// Datastore is the PostgreSQL-backed engine. Every exported operation opens
// (or reuses, for a transaction) a pgx connection from the pool; callers are
// expected to size the pool for their concurrency budget.
type Datastore struct {
	pool            *pgxpool.Pool
	revisionFuzzing time.Duration
	gcWindow        time.Duration
}

// Option configures a Datastore at construction time.
type Option func(*Datastore)

// WithRevisionFuzzing overrides the window used by QuantizedRevision to
// spread read load across recently-committed revisions.
func WithRevisionFuzzing(d time.Duration) Option {
	return func(ds *Datastore) { ds.revisionFuzzing = d }
}

// WithGCWindow overrides how far back a CheckRevision call will accept a
// caller-supplied revision before calling it stale.
func WithGCWindow(d time.Duration) Option {
	return func(ds *Datastore) { ds.gcWindow = d }
}

// NewDatastore connects to uri (a postgres:// connection string) and returns
// a ready engine. Callers should invoke EnsureSchema once per database
// before traffic is served; it is idempotent.
func NewDatastore(ctx context.Context, uri string, opts ...Option) (*Datastore, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf(errUnableToInstantiate, err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf(errUnableToInstantiate, err)
	}

	ds := &Datastore{
		pool:            pool,
		revisionFuzzing: 100 * time.Millisecond,
		gcWindow:        24 * time.Hour,
	}
	for _, opt := range opts {
		opt(ds)
	}
	return ds, nil
}

// EnsureSchema applies the engine's DDL. It is safe to call on every
// process start; every statement is guarded with IF NOT EXISTS.
func (pgd *Datastore) EnsureSchema(ctx context.Context) error {
	_, err := pgd.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("unable to apply schema: %w", err)
	}
	return nil
}

func (pgd *Datastore) IsReady(ctx context.Context) (bool, error) {
	var one int
	if err := pgd.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return false, nil
	}
	return true, nil
}

func (pgd *Datastore) Close() error {
	pgd.pool.Close()
	return nil
}

func (pgd *Datastore) Statistics(ctx context.Context) (datastore.Stats, error) {
	var count uint64
	if err := pgd.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = $1", tableTuple, colDeletedTxn), liveDeletedTxnID,
	).Scan(&count); err != nil {
		return datastore.Stats{}, fmt.Errorf(errRevision, err)
	}

	rows, err := pgd.pool.Query(ctx,
		fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s = $1", colNamespace, tableNamespace, colDeletedTxn), liveDeletedTxnID,
	)
	if err != nil {
		return datastore.Stats{}, fmt.Errorf(errRevision, err)
	}
	defer rows.Close()

	var nsCount int
	for rows.Next() {
		nsCount++
	}

	return datastore.Stats{
		ObjectTypeStatistics:       make([]datastore.ObjectTypeStat, nsCount),
		EstimatedRelationshipCount: count,
	}, rows.Err()
}

func (pgd *Datastore) SnapshotReader(revision datastore.Revision) datastore.Reader {
	return &reader{pool: pgd.pool, revision: revision}
}

func (pgd *Datastore) ReadWriteTx(ctx context.Context, fn func(ctx context.Context, rwt datastore.ReadWriteTransaction) error) (datastore.Revision, error) {
	tx, err := pgd.pool.Begin(ctx)
	if err != nil {
		return datastore.NoRevision, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var newTxnID uint64
	if err := tx.QueryRow(ctx, fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", tableTxn, colID)).Scan(&newTxnID); err != nil {
		return datastore.NoRevision, fmt.Errorf("unable to allocate transaction id: %w", err)
	}

	rwt := &readWriteTx{
		reader: reader{pool: pgd.pool, tx: tx, revision: revisionFromTransaction(newTxnID)},
		tx:     tx,
		newTxn: newTxnID,
	}

	if err := fn(ctx, rwt); err != nil {
		return datastore.NoRevision, err
	}

	if err := tx.Commit(ctx); err != nil {
		return datastore.NoRevision, datastore.NewSerializationFailureErr(err)
	}

	return revisionFromTransaction(newTxnID), nil
}

func (pgd *Datastore) Watch(ctx context.Context, afterRevision datastore.Revision) (<-chan *datastore.RevisionChanges, <-chan error) {
	changes := make(chan *datastore.RevisionChanges)
	errs := make(chan error, 1)
	close(changes)
	errs <- fmt.Errorf("watch is not yet implemented by the postgres engine")
	close(errs)
	return changes, errs
}

func (pgd *Datastore) HeadRevision(ctx context.Context) (datastore.Revision, error) {
	var id uint64
	err := pgd.pool.QueryRow(ctx, fmt.Sprintf("SELECT max(%s) FROM %s", colID, tableTxn)).Scan(&id)
	if err != nil {
		return datastore.NoRevision, fmt.Errorf(errRevision, err)
	}
	return revisionFromTransaction(id), nil
}

func (pgd *Datastore) QuantizedRevision(ctx context.Context) (datastore.Revision, error) {
	lowerBound := time.Now().Add(-pgd.revisionFuzzing)

	rows, err := pgd.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s >= $1", colID, tableTxn, colTimestamp), lowerBound)
	if err != nil {
		return datastore.NoRevision, fmt.Errorf(errRevision, err)
	}
	defer rows.Close()

	var candidates []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return datastore.NoRevision, fmt.Errorf(errRevision, err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return datastore.NoRevision, fmt.Errorf(errRevision, err)
	}

	if len(candidates) > 0 {
		return revisionFromTransaction(candidates[rand.Intn(len(candidates))]), nil
	}
	return pgd.HeadRevision(ctx)
}

func (pgd *Datastore) CheckRevision(ctx context.Context, revision datastore.Revision) error {
	head, err := pgd.HeadRevision(ctx)
	if err != nil {
		return fmt.Errorf(errCheckRevision, err)
	}
	if head.Equal(datastore.NoRevision) {
		return datastore.NewInvalidRevisionErr(revision, datastore.CouldNotDetermineRevision)
	}
	if revision.GreaterThan(head) {
		return datastore.NewInvalidRevisionErr(revision, datastore.RevisionInFuture)
	}

	var oldestID uint64
	err = pgd.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT coalesce(min(%s), 0) FROM %s WHERE %s >= $1", colID, tableTxn, colTimestamp),
		time.Now().Add(-pgd.gcWindow)).Scan(&oldestID)
	if err != nil {
		return fmt.Errorf(errCheckRevision, err)
	}

	if oldestID != 0 && revision.LessThan(revisionFromTransaction(oldestID)) {
		return datastore.NewInvalidRevisionErr(revision, datastore.RevisionStale)
	}
	return nil
}

func revisionFromTransaction(id uint64) datastore.Revision {
	return decimal.NewFromInt(int64(id))
}
