package graph

import (
	"context"

	"golang.org/x/sync/errgroup"

	v0 "github.com/authzed/authzed-go/proto/authzed/api/v0"

	"github.com/authzed/rebacd/internal/datastore"
)

// BatchCheckItem is one independent check within a BatchCheck call.
type BatchCheckItem struct {
	Object  *v0.ObjectAndRelation
	Subject *v0.ObjectAndRelation
}

// BatchCheckResult pairs a BatchCheckItem's outcome with any per-item error:
// spec §4.3.1 requires that one failing check not fail the whole batch.
type BatchCheckResult struct {
	IsMember bool
	Err      error
}

// BatchCheck evaluates every item independently and in parallel, bounded by
// DefaultConcurrency in-flight checks across the whole batch.
func (c *Checker) BatchCheck(ctx context.Context, atRevision datastore.Revision, items []BatchCheckItem, opts CheckOptions) []BatchCheckResult {
	results := make([]BatchCheckResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultConcurrency)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			outcome, err := c.Check(gctx, atRevision, item.Object, item.Subject, opts)
			if err != nil {
				results[i] = BatchCheckResult{Err: err}
				return nil
			}
			results[i] = BatchCheckResult{IsMember: outcome.IsMember}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
