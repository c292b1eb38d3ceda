package modelrepo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/rebacd/internal/datastore/memdb"
	"github.com/authzed/rebacd/internal/modelrepo"
	"github.com/authzed/rebacd/internal/namespace"
)

func newTestRepository(t *testing.T) (*modelrepo.Repository, *namespace.Manager) {
	ds, err := memdb.NewDatastore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	mgr := namespace.NewManager()
	return modelrepo.NewRepository(modelrepo.NewMemoryStore(), ds, mgr), mgr
}

func TestWriteModelPersistsAndActivates(t *testing.T) {
	repo, _ := newTestRepository(t)

	result, err := repo.WriteModel(context.Background(), `
		definition user {}
		definition document {
			relation viewer: user
			permission view = computed_userset(viewer)
		}
	`, true)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.ModelID)
	require.NotEmpty(t, result.VersionID)
	require.Empty(t, result.Errors)

	model, err := repo.ReadModel(context.Background(), "")
	require.NoError(t, err)
	require.True(t, model.IsActive)
	require.Equal(t, result.ModelID, model.ModelID)

	byVersion, err := repo.ReadModel(context.Background(), result.VersionID)
	require.NoError(t, err)
	require.Equal(t, model.ModelID, byVersion.ModelID)
}

func TestWriteModelLeavesNoRowOnValidationFailure(t *testing.T) {
	repo, _ := newTestRepository(t)

	result, err := repo.WriteModel(context.Background(), `
		definition document {
			relation viewer: user
		}
	`, true)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	require.Equal(t, modelrepo.DiagnosticUnknownType, result.Errors[0].Type)

	_, err = repo.ReadModel(context.Background(), "")
	require.IsType(t, modelrepo.ErrNoActiveModel{}, err)
}

func TestWriteModelLeavesNoRowOnSyntaxError(t *testing.T) {
	repo, _ := newTestRepository(t)

	result, err := repo.WriteModel(context.Background(), `definition document { banana }`, false)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, modelrepo.DiagnosticSyntaxError, result.Errors[0].Type)
}

func TestActivateModelSwitchesActiveFlag(t *testing.T) {
	repo, mgr := newTestRepository(t)

	first, err := repo.WriteModel(context.Background(), "definition user {}", true)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := repo.WriteModel(context.Background(), `
		definition user {}
		definition group {}
	`, false)
	require.NoError(t, err)
	require.True(t, second.Success)

	active, err := repo.ReadModel(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, first.ModelID, active.ModelID)

	success, _, err := repo.ActivateModel(context.Background(), second.ModelID)
	require.NoError(t, err)
	require.True(t, success)

	active, err = repo.ReadModel(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, second.ModelID, active.ModelID)

	_ = mgr // cache invalidation is exercised indirectly; Size() is covered in manager_test.go
}

func TestActivateUnknownModelFails(t *testing.T) {
	repo, _ := newTestRepository(t)

	success, _, err := repo.ActivateModel(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.False(t, success)
}

func TestListModelsReturnsNewestFirst(t *testing.T) {
	repo, _ := newTestRepository(t)

	var ids []string
	for i := 0; i < 3; i++ {
		result, err := repo.WriteModel(context.Background(), "definition user {}", false)
		require.NoError(t, err)
		require.True(t, result.Success)
		ids = append(ids, result.ModelID)
	}

	models, next, err := repo.ListModels(context.Background(), 10, "")
	require.NoError(t, err)
	require.Empty(t, next)
	require.Len(t, models, 3)
	require.Equal(t, ids[2], models[0].ModelID)
	require.Equal(t, ids[1], models[1].ModelID)
	require.Equal(t, ids[0], models[2].ModelID)
}

func TestListModelsPaginates(t *testing.T) {
	repo, _ := newTestRepository(t)

	for i := 0; i < 5; i++ {
		_, err := repo.WriteModel(context.Background(), "definition user {}", false)
		require.NoError(t, err)
	}

	page1, token1, err := repo.ListModels(context.Background(), 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, token1)

	page2, _, err := repo.ListModels(context.Background(), 2, token1)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotEqual(t, page1[0].ModelID, page2[0].ModelID)
}
