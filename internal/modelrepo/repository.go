package modelrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/authzed/rebacd/internal/datastore"
	"github.com/authzed/rebacd/internal/namespace"
)

// WriteModelResult is the outcome of WriteModel: exactly the shape named in
// spec §4.2.2, `{success, modelId, versionId, errors[], warnings[]}`.
type WriteModelResult struct {
	Success   bool
	ModelID   string
	VersionID string
	Errors    []Diagnostic
	Warnings  []Diagnostic
}

// Repository implements the Model Repository's four operations on top of a
// Store (model envelope persistence) and the Datastore (so that the
// currently active model's compiled namespaces remain readable through the
// ordinary datastore.Reader.ReadNamespace path the Check Engine already
// uses, with no model-awareness required downstream).
type Repository struct {
	store Store
	ds    datastore.Datastore
	mgr   *namespace.Manager
}

// NewRepository builds a Repository. mgr may be nil if no process-wide
// namespace cache is in use.
func NewRepository(store Store, ds datastore.Datastore, mgr *namespace.Manager) *Repository {
	return &Repository{store: store, ds: ds, mgr: mgr}
}

// WriteModel parses and validates dslSource, persisting a new immutable
// Model only on success (spec §4.2.2, §3.3 "creating a model that fails
// validation leaves no row").
func (r *Repository) WriteModel(ctx context.Context, dslSource string, activate bool) (*WriteModelResult, error) {
	defs, err := namespace.Compile(dslSource)
	if err != nil {
		return &WriteModelResult{Errors: []Diagnostic{diagnosticFromErr(err)}}, nil
	}

	head, err := r.ds.HeadRevision(ctx)
	if err != nil {
		return nil, datastore.NewUnavailableErr(err)
	}
	if err := namespace.ValidateDefinitions(ctx, r.ds.SnapshotReader(head), defs); err != nil {
		return &WriteModelResult{Errors: []Diagnostic{diagnosticFromErr(err)}}, nil
	}

	modelID := uuid.NewString()
	versionID := newVersionID()

	if activate {
		if _, err := r.ds.ReadWriteTx(ctx, func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
			return rwt.WriteNamespaces(ctx, defs...)
		}); err != nil {
			return nil, err
		}
	}

	model := &Model{
		ModelID:      modelID,
		VersionID:    versionID,
		DSLSource:    dslSource,
		Compiled:     defs,
		Reachability: buildReachability(defs),
		IsActive:     activate,
		CreatedAt:    time.Now(),
	}

	if err := r.store.Insert(ctx, model, activate); err != nil {
		return nil, err
	}

	if activate && r.mgr != nil {
		for _, def := range defs {
			r.mgr.Forget(def.Name)
		}
	}

	return &WriteModelResult{Success: true, ModelID: modelID, VersionID: versionID}, nil
}

// ReadModel returns the model pinned to versionID, or the active model when
// versionID is empty.
func (r *Repository) ReadModel(ctx context.Context, versionID string) (*Model, error) {
	if versionID == "" {
		m, ok, err := r.store.GetActive(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNoActiveModel{}
		}
		return m, nil
	}

	m, ok, err := r.store.GetByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrModelNotFound{ID: versionID}
	}
	return m, nil
}

// ActivateModel atomically switches the active model to modelID, replaying
// its compiled namespaces into the datastore so the Check Engine observes
// the change through the ordinary namespace read path.
func (r *Repository) ActivateModel(ctx context.Context, modelID string) (success bool, message string, err error) {
	model, ok, err := r.store.Get(ctx, modelID)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "", nil
	}

	if _, err := r.ds.ReadWriteTx(ctx, func(ctx context.Context, rwt datastore.ReadWriteTransaction) error {
		return rwt.WriteNamespaces(ctx, model.Compiled...)
	}); err != nil {
		return false, "", err
	}

	found, err := r.store.SetActive(ctx, modelID)
	if err != nil {
		return false, "", err
	}
	if !found {
		return false, "", nil
	}

	if r.mgr != nil {
		for _, def := range model.Compiled {
			r.mgr.Forget(def.Name)
		}
	}

	return true, fmt.Sprintf("model %s activated as version %s", modelID, model.VersionID), nil
}

// ListModels returns models newest-first, per spec §4.2.2.
func (r *Repository) ListModels(ctx context.Context, pageSize int, pageToken string) ([]*Model, string, error) {
	return r.store.List(ctx, pageSize, pageToken)
}

// newVersionID produces a lexicographically time-ordered identifier: a
// zero-padded nanosecond timestamp followed by a random suffix to
// disambiguate models written within the same nanosecond.
func newVersionID() string {
	return fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
