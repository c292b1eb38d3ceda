// Package memdb implements the in-memory Datastore engine backed by
// github.com/hashicorp/go-memdb. It is the default engine for tests and for
// `serve --datastore-engine memory`.
package memdb

import (
	"time"

	"github.com/hashicorp/go-memdb"
)

const (
	tableTuple     = "tuple"
	tableChangelog = "changelog"
	tableNamespace = "namespace"

	indexID      = "id"
	indexLive    = "live"
	indexObject  = "object"
	indexSubject = "subject"

	indexTimestamp = "timestamp"

	indexNSName = "id"
	indexNSLive = "live"
)

// deletedTransactionID marks a row that has never been deleted (i.e. is
// still live), mirroring the sentinel used by the grounding implementation
// this engine is adapted from.
const deletedTransactionID = ^uint64(0)

// tupleEntry is one version of a relationship tuple. A logical delete
// inserts a copy of the live row with deletedTxn set to the deleting
// transaction; the copy keeps the same id index fields (createdTxn
// included), so it replaces the live row in the table rather than being
// stored beside it.
type tupleEntry struct {
	namespace        string
	objectID         string
	relation         string
	usersetNamespace string
	usersetObjectID  string
	usersetRelation  string

	createdTxn uint64
	deletedTxn uint64
}

// tupleChangelog is one committed transaction's set of mutations, used to
// derive the monotonic Revision sequence.
type tupleChangelog struct {
	id        uint64
	timestamp uint64
}

// namespaceEntry is one version of a namespace definition.
type namespaceEntry struct {
	name       string
	config     []byte // serialized *v0.NamespaceDefinition
	createdTxn uint64
	deletedTxn uint64
}

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTuple: {
				Name: tableTuple,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:   indexID,
						Unique: false,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "namespace"},
							&memdb.StringFieldIndex{Field: "objectID"},
							&memdb.StringFieldIndex{Field: "relation"},
							&memdb.StringFieldIndex{Field: "usersetNamespace"},
							&memdb.StringFieldIndex{Field: "usersetObjectID"},
							&memdb.StringFieldIndex{Field: "usersetRelation"},
							&memdb.UintFieldIndex{Field: "createdTxn"},
						}},
					},
					indexLive: {
						Name:   indexLive,
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "namespace"},
							&memdb.StringFieldIndex{Field: "objectID"},
							&memdb.StringFieldIndex{Field: "relation"},
							&memdb.StringFieldIndex{Field: "usersetNamespace"},
							&memdb.StringFieldIndex{Field: "usersetObjectID"},
							&memdb.StringFieldIndex{Field: "usersetRelation"},
							&memdb.UintFieldIndex{Field: "deletedTxn"},
						}},
					},
					indexObject: {
						Name:   indexObject,
						Unique: false,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "namespace"},
							&memdb.StringFieldIndex{Field: "objectID"},
							&memdb.StringFieldIndex{Field: "relation"},
						}},
					},
					indexSubject: {
						Name:   indexSubject,
						Unique: false,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "usersetNamespace"},
							&memdb.StringFieldIndex{Field: "usersetObjectID"},
							&memdb.StringFieldIndex{Field: "usersetRelation"},
						}},
					},
				},
			},
			tableChangelog: {
				Name: tableChangelog,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "id"},
					},
					indexTimestamp: {
						Name:    indexTimestamp,
						Unique:  false,
						Indexer: &memdb.UintFieldIndex{Field: "timestamp"},
					},
				},
			},
			tableNamespace: {
				Name: tableNamespace,
				Indexes: map[string]*memdb.IndexSchema{
					indexNSName: {
						Name:   indexNSName,
						Unique: false,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "name"},
							&memdb.UintFieldIndex{Field: "createdTxn"},
						}},
					},
					indexNSLive: {
						Name:   indexNSLive,
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "name"},
							&memdb.UintFieldIndex{Field: "deletedTxn"},
						}},
					},
				},
			},
		},
	}
}

// defaultRevisionFuzzing matches the teacher's quantization window used by
// QuantizedRevision to amortize read load across replicas.
const defaultRevisionFuzzing = 100 * time.Millisecond
