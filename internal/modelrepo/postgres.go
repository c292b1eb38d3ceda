package modelrepo

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"google.golang.org/protobuf/proto"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"
)

const (
	modelsTable = "models"

	modelColID        = "id"
	modelColVersionID = "version_id"
	modelColDSLSource = "dsl_source"
	modelColCompiled  = "compiled_blob"
	modelColIsActive  = "is_active"
	modelColCreatedAt = "created_at"
)

// modelsSchemaDDL creates the §6.3 "models" table: a partial unique index
// enforces at most one is_active = true row at a time.
const modelsSchemaDDL = `
CREATE TABLE IF NOT EXISTS models (
	id            TEXT PRIMARY KEY,
	version_id    TEXT NOT NULL UNIQUE,
	dsl_source    TEXT NOT NULL,
	compiled_blob BYTEA NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_models_single_active ON models ((true)) WHERE is_active;
CREATE INDEX IF NOT EXISTS ix_models_created_at ON models (created_at DESC);
`

var modelsPSQL = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by the given pool. Call
// EnsureSchema once before first use.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &postgresStore{pool: pool}
}

// EnsureSchema creates the models table and its indexes if they do not
// already exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, modelsSchemaDDL)
	return err
}

func (s *postgresStore) Insert(ctx context.Context, m *Model, activate bool) error {
	blob, err := marshalCompiled(m.Compiled)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if activate {
		if _, err := tx.Exec(ctx, `UPDATE models SET is_active = FALSE WHERE is_active`); err != nil {
			return err
		}
	}

	q, args, err := modelsPSQL.Insert(modelsTable).
		Columns(modelColID, modelColVersionID, modelColDSLSource, modelColCompiled, modelColIsActive, modelColCreatedAt).
		Values(m.ModelID, m.VersionID, m.DSLSource, blob, activate, m.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *postgresStore) SetActive(ctx context.Context, modelID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM models WHERE id = $1)`, modelID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE models SET is_active = FALSE WHERE is_active`); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE models SET is_active = TRUE WHERE id = $1`, modelID); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

func (s *postgresStore) Get(ctx context.Context, modelID string) (*Model, bool, error) {
	return s.queryOne(ctx, sq.Eq{modelColID: modelID})
}

func (s *postgresStore) GetByVersion(ctx context.Context, versionID string) (*Model, bool, error) {
	return s.queryOne(ctx, sq.Eq{modelColVersionID: versionID})
}

func (s *postgresStore) GetActive(ctx context.Context) (*Model, bool, error) {
	return s.queryOne(ctx, sq.Eq{modelColIsActive: true})
}

func (s *postgresStore) queryOne(ctx context.Context, pred sq.Eq) (*Model, bool, error) {
	q, args, err := modelsPSQL.Select(modelColID, modelColVersionID, modelColDSLSource, modelColCompiled, modelColIsActive, modelColCreatedAt).
		From(modelsTable).Where(pred).Limit(1).ToSql()
	if err != nil {
		return nil, false, err
	}

	row := s.pool.QueryRow(ctx, q, args...)
	m, err := scanModel(row)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *postgresStore) List(ctx context.Context, pageSize int, pageToken string) ([]*Model, string, error) {
	builder := modelsPSQL.Select(modelColID, modelColVersionID, modelColDSLSource, modelColCompiled, modelColIsActive, modelColCreatedAt).
		From(modelsTable).OrderBy(modelColCreatedAt + " DESC")

	if pageToken != "" {
		after, err := decodePageTime(pageToken)
		if err != nil {
			return nil, "", err
		}
		builder = builder.Where(sq.Lt{modelColCreatedAt: after})
	}

	if pageSize <= 0 {
		pageSize = 100
	}
	builder = builder.Limit(uint64(pageSize) + 1)

	q, args, err := builder.ToSql()
	if err != nil {
		return nil, "", err
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, "", err
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(models) > pageSize {
		next = encodePageTime(models[pageSize-1].CreatedAt)
		models = models[:pageSize]
	}
	return models, next, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanModel(row rowScanner) (*Model, error) {
	var m Model
	var blob []byte
	if err := row.Scan(&m.ModelID, &m.VersionID, &m.DSLSource, &blob, &m.IsActive, &m.CreatedAt); err != nil {
		return nil, err
	}
	defs, err := unmarshalCompiled(blob)
	if err != nil {
		return nil, err
	}
	m.Compiled = defs
	m.Reachability = buildReachability(defs)
	return &m, nil
}

// compiledSet is the wire shape persisted in compiled_blob: a length-
// prefixed sequence of marshaled NamespaceDefinition messages, since a
// single model may span multiple object types.
func marshalCompiled(defs []*v0.NamespaceDefinition) ([]byte, error) {
	var out []byte
	for _, def := range defs {
		b, err := proto.Marshal(def)
		if err != nil {
			return nil, err
		}
		out = appendUvarint(out, uint64(len(b)))
		out = append(out, b...)
	}
	return out, nil
}

func unmarshalCompiled(blob []byte) ([]*v0.NamespaceDefinition, error) {
	var defs []*v0.NamespaceDefinition
	for len(blob) > 0 {
		n, consumed := readUvarint(blob)
		if consumed == 0 {
			return nil, fmt.Errorf("corrupt compiled_blob")
		}
		blob = blob[consumed:]
		if uint64(len(blob)) < n {
			return nil, fmt.Errorf("corrupt compiled_blob: short record")
		}
		var def v0.NamespaceDefinition
		if err := proto.Unmarshal(blob[:n], &def); err != nil {
			return nil, err
		}
		defs = append(defs, &def)
		blob = blob[n:]
	}
	return defs, nil
}

func appendUvarint(buf []byte, x uint64) []byte {
	for x >= 0x80 {
		buf = append(buf, byte(x)|0x80)
		x >>= 7
	}
	return append(buf, byte(x))
}

func readUvarint(buf []byte) (uint64, int) {
	var x uint64
	var s uint
	for i, b := range buf {
		if b < 0x80 {
			return x | uint64(b)<<s, i + 1
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, 0
}

func encodePageTime(t time.Time) string {
	return base64.RawURLEncoding.EncodeToString([]byte(t.UTC().Format(time.RFC3339Nano)))
}

func decodePageTime(token string) (time.Time, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid page token: %w", err)
	}
	return time.Parse(time.RFC3339Nano, string(b))
}
