package modelrepo

import "context"

// Store persists the Model envelope (modelID, versionID, DSL source,
// compiled form, active flag) independently of the tuple store's own
// namespace table. A Repository layers WriteModel/ReadModel/ActivateModel/
// ListModels semantics on top of a Store implementation.
type Store interface {
	// Insert adds a brand-new model row. The caller has already assigned
	// ModelID/VersionID/CreatedAt and decided IsActive; if activate is true
	// any previously active model is deactivated in the same operation.
	Insert(ctx context.Context, m *Model, activate bool) error

	// SetActive marks modelID as the sole active model, deactivating
	// whichever model (if any) previously held that flag. Returns false if
	// modelID does not exist; nothing is mutated in that case.
	SetActive(ctx context.Context, modelID string) (found bool, err error)

	// Get returns the model with the given internal ID.
	Get(ctx context.Context, modelID string) (*Model, bool, error)

	// GetByVersion returns the model with the given external version ID.
	GetByVersion(ctx context.Context, versionID string) (*Model, bool, error)

	// GetActive returns the currently active model, if any.
	GetActive(ctx context.Context) (*Model, bool, error)

	// List returns models newest-first, paginated by an opaque token.
	List(ctx context.Context, pageSize int, pageToken string) (models []*Model, nextPageToken string, err error)
}
