// Package postgres implements the Datastore engine backed by PostgreSQL,
// suitable for production deployments that need durability and horizontal
// read scaling across replicas.
package postgres

import (
	sq "github.com/Masterminds/squirrel"
)

const (
	tableTuple     = "relation_tuple"
	tableNamespace = "namespace_config"
	tableTxn       = "rebacd_transaction"

	colID        = "id"
	colTimestamp = "timestamp"

	colNamespace        = "namespace"
	colObjectID         = "object_id"
	colRelation         = "relation"
	colUsersetNamespace = "userset_namespace"
	colUsersetObjectID  = "userset_object_id"
	colUsersetRelation  = "userset_relation"
	colCreatedTxn       = "created_transaction"
	colDeletedTxn       = "deleted_transaction"

	colConfig = "serialized_config"

	// liveDeletedTxnID is the sentinel written to deleted_transaction for a
	// row that has never been deleted. Chosen as the maximum value a bigint
	// transaction id column can carry so that every real deletion overwrites
	// it with something smaller.
	liveDeletedTxnID = uint64(9223372036854775807)
)

// psql is a squirrel statement builder configured for Postgres' $N
// placeholder style, mirroring the builder used throughout the reference
// engine this package is adapted from.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS rebacd_transaction (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMP NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS namespace_config (
	id BIGSERIAL PRIMARY KEY,
	namespace VARCHAR NOT NULL,
	serialized_config BYTEA NOT NULL,
	created_transaction BIGINT NOT NULL,
	deleted_transaction BIGINT NOT NULL DEFAULT 9223372036854775807
);
CREATE INDEX IF NOT EXISTS ix_namespace_config_live ON namespace_config (namespace, deleted_transaction);

CREATE TABLE IF NOT EXISTS relation_tuple (
	id BIGSERIAL PRIMARY KEY,
	namespace VARCHAR NOT NULL,
	object_id VARCHAR NOT NULL,
	relation VARCHAR NOT NULL,
	userset_namespace VARCHAR NOT NULL,
	userset_object_id VARCHAR NOT NULL,
	userset_relation VARCHAR NOT NULL,
	created_transaction BIGINT NOT NULL,
	deleted_transaction BIGINT NOT NULL DEFAULT 9223372036854775807
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_relation_tuple_living ON relation_tuple (
	namespace, object_id, relation, userset_namespace, userset_object_id, userset_relation, deleted_transaction
);
CREATE INDEX IF NOT EXISTS ix_relation_tuple_object ON relation_tuple (namespace, object_id, relation);
CREATE INDEX IF NOT EXISTS ix_relation_tuple_subject ON relation_tuple (userset_namespace, userset_object_id, userset_relation);
`
