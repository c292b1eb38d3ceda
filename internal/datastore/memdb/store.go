package memdb

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/shopspring/decimal"

	"github.com/authzed/rebacd/internal/datastore"
)

const (
	errUnableToWriteTuples = "unable to write tuples: %w"
	errUnableToWriteConfig = "unable to write namespace config: %w"
	errRevision            = "unable to find revision: %w"
	errCheckRevision       = "unable to check revision: %w"
)

// Datastore is the in-memory engine. It is safe for concurrent use; every
// operation opens a go-memdb transaction, which serializes writers but
// allows unlimited concurrent readers against their own snapshot.
type Datastore struct {
	db               *memdb.MemDB
	uniqueID         string
	simulatedLatency time.Duration
	revisionFuzzing  time.Duration
	gcWindowInverted time.Duration
}

// Option configures a Datastore at construction time.
type Option func(*Datastore)

// WithSimulatedLatency injects an artificial per-operation delay, useful in
// tests that exercise cancellation and timeout paths.
func WithSimulatedLatency(d time.Duration) Option {
	return func(ds *Datastore) { ds.simulatedLatency = d }
}

// NewDatastore constructs a ready-to-use in-memory datastore.
func NewDatastore(opts ...Option) (*Datastore, error) {
	schema := newSchema()
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize memdb: %w", err)
	}

	ds := &Datastore{
		db:               db,
		uniqueID:         uuid.NewString(),
		revisionFuzzing:  defaultRevisionFuzzing,
		gcWindowInverted: -24 * time.Hour,
	}
	for _, opt := range opts {
		opt(ds)
	}
	return ds, nil
}

func (mds *Datastore) IsReady(ctx context.Context) (bool, error) { return true, nil }

func (mds *Datastore) Close() error { return nil }

func (mds *Datastore) Statistics(ctx context.Context) (datastore.Stats, error) {
	txn := mds.db.Txn(false)
	defer txn.Abort()

	all, err := txn.Get(tableNamespace, indexNSName)
	if err != nil {
		return datastore.Stats{}, fmt.Errorf(errRevision, err)
	}
	seen := map[string]bool{}
	for raw := all.Next(); raw != nil; raw = all.Next() {
		ns := raw.(*namespaceEntry)
		if ns.deletedTxn == deletedTransactionID {
			seen[ns.name] = true
		}
	}

	tupleIter, err := txn.Get(tableTuple, indexID)
	if err != nil {
		return datastore.Stats{}, fmt.Errorf(errRevision, err)
	}
	var count uint64
	for raw := tupleIter.Next(); raw != nil; raw = tupleIter.Next() {
		te := raw.(*tupleEntry)
		if te.deletedTxn == deletedTransactionID {
			count++
		}
	}

	return datastore.Stats{
		UniqueID:                   mds.uniqueID,
		ObjectTypeStatistics:       make([]datastore.ObjectTypeStat, len(seen)),
		EstimatedRelationshipCount: count,
	}, nil
}

func (mds *Datastore) SnapshotReader(revision datastore.Revision) datastore.Reader {
	return &reader{db: mds.db, revision: revision, simulatedLatency: mds.simulatedLatency}
}

func (mds *Datastore) ReadWriteTx(ctx context.Context, fn func(ctx context.Context, rwt datastore.ReadWriteTransaction) error) (datastore.Revision, error) {
	txn := mds.db.Txn(true)
	defer txn.Abort()

	newTxnID, err := nextChangelogID(txn)
	if err != nil {
		return datastore.NoRevision, fmt.Errorf(errUnableToWriteTuples, err)
	}

	rwt := &readWriteTx{
		reader: reader{db: mds.db, txn: txn, revision: revisionFromVersion(newTxnID), simulatedLatency: mds.simulatedLatency},
		newTxn: newTxnID,
	}

	if err := fn(ctx, rwt); err != nil {
		return datastore.NoRevision, err
	}

	if rwt.dirty {
		if err := txn.Insert(tableChangelog, &tupleChangelog{id: newTxnID, timestamp: uint64(time.Now().UnixNano())}); err != nil {
			return datastore.NoRevision, fmt.Errorf(errUnableToWriteTuples, err)
		}
	}

	txn.Commit()
	return revisionFromVersion(newTxnID), nil
}

func (mds *Datastore) Watch(ctx context.Context, afterRevision datastore.Revision) (<-chan *datastore.RevisionChanges, <-chan error) {
	changes := make(chan *datastore.RevisionChanges)
	errs := make(chan error, 1)
	close(changes)
	errs <- fmt.Errorf("watch is not implemented by the memory engine")
	close(errs)
	return changes, errs
}

func (mds *Datastore) HeadRevision(ctx context.Context) (datastore.Revision, error) {
	txn := mds.db.Txn(false)
	defer txn.Abort()

	lastRaw, err := txn.Last(tableChangelog, indexID)
	if err != nil {
		return datastore.NoRevision, fmt.Errorf(errRevision, err)
	}
	if lastRaw != nil {
		return revisionFromVersion(lastRaw.(*tupleChangelog).id), nil
	}
	return datastore.NoRevision, nil
}

func (mds *Datastore) QuantizedRevision(ctx context.Context) (datastore.Revision, error) {
	txn := mds.db.Txn(false)
	defer txn.Abort()

	lowerBound := uint64(time.Now().Add(-mds.revisionFuzzing).UnixNano())

	iter, err := txn.LowerBound(tableChangelog, indexTimestamp, lowerBound)
	if err != nil {
		return datastore.NoRevision, fmt.Errorf(errRevision, err)
	}

	var candidates []datastore.Revision
	for oneChange := iter.Next(); oneChange != nil; oneChange = iter.Next() {
		candidates = append(candidates, revisionFromVersion(oneChange.(*tupleChangelog).id))
	}

	if len(candidates) > 0 {
		return candidates[rand.Intn(len(candidates))], nil
	}
	return mds.HeadRevision(ctx)
}

func (mds *Datastore) CheckRevision(ctx context.Context, revision datastore.Revision) error {
	txn := mds.db.Txn(false)
	defer txn.Abort()

	lastRaw, err := txn.Last(tableChangelog, indexID)
	if err != nil {
		return fmt.Errorf(errCheckRevision, err)
	}
	if lastRaw == nil {
		return datastore.NewInvalidRevisionErr(revision, datastore.CouldNotDetermineRevision)
	}

	highest := revisionFromVersion(lastRaw.(*tupleChangelog).id)
	if revision.GreaterThan(highest) {
		return datastore.NewInvalidRevisionErr(revision, datastore.RevisionInFuture)
	}

	lowerBound := uint64(time.Now().Add(mds.gcWindowInverted).UnixNano())
	iter, err := txn.LowerBound(tableChangelog, indexTimestamp, lowerBound)
	if err != nil {
		return fmt.Errorf(errCheckRevision, err)
	}

	firstValid := iter.Next()
	if firstValid == nil && !revision.Equal(highest) {
		return datastore.NewInvalidRevisionErr(revision, datastore.RevisionStale)
	}
	if firstValid != nil && revision.LessThan(revisionFromVersion(firstValid.(*tupleChangelog).id)) {
		return datastore.NewInvalidRevisionErr(revision, datastore.RevisionStale)
	}

	return nil
}

func nextChangelogID(txn *memdb.Txn) (uint64, error) {
	lastRaw, err := txn.Last(tableChangelog, indexID)
	if err != nil {
		return 0, err
	}
	if lastRaw == nil {
		return 1, nil
	}
	return lastRaw.(*tupleChangelog).id + 1, nil
}

func revisionFromVersion(v uint64) datastore.Revision {
	return decimal.NewFromInt(int64(v))
}
