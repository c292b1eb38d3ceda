package v1

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	pbv1 "github.com/authzed/authzed-go/proto/authzed/api/v1"

	"github.com/authzed/rebacd/internal/datastore"
)

// encodeToken wraps a datastore revision into the opaque consistency token
// returned on every response that observed data at that revision (spec
// §4.3.1's consistencyToken). The token is the revision's decimal string:
// stable across processes and engines, since every backend already encodes
// Revision as a decimal.Decimal.
func encodeToken(revision datastore.Revision) *pbv1.ZedToken {
	return &pbv1.ZedToken{Token: revision.String()}
}

// decodeToken parses a consistency token back into a revision. A nil or
// empty token is not an error: callers resolve it to the datastore's own
// default (QuantizedRevision or HeadRevision) instead.
func decodeToken(token *pbv1.ZedToken) (datastore.Revision, bool, error) {
	if token == nil || token.Token == "" {
		return datastore.NoRevision, false, nil
	}
	rev, err := decimal.NewFromString(token.Token)
	if err != nil {
		return datastore.NoRevision, false, fmt.Errorf("malformed consistency token: %w", err)
	}
	return rev, true, nil
}

// revisionForConsistency resolves the revision a request should read at,
// per the oneof on pbv1.Consistency: an exact snapshot pins to that
// revision's token, a lower bound reads at the later of the token's
// revision and the head revision, MinimizeLatency and the unset zero value use
// the datastore's replicated quantized revision, and FullyConsistent forces
// a fresh head read.
func (s *Server) revisionForConsistency(ctx context.Context, consistency *pbv1.Consistency) (datastore.Revision, error) {
	if consistency == nil {
		return s.ds.QuantizedRevision(ctx)
	}

	switch requirement := consistency.GetRequirement().(type) {
	case *pbv1.Consistency_FullyConsistent:
		if requirement.FullyConsistent {
			return s.ds.HeadRevision(ctx)
		}
		return s.ds.QuantizedRevision(ctx)
	case *pbv1.Consistency_AtLeastAsFresh:
		rev, ok, err := decodeToken(requirement.AtLeastAsFresh)
		if err != nil {
			return datastore.NoRevision, err
		}
		if !ok {
			return s.ds.QuantizedRevision(ctx)
		}
		head, err := s.ds.HeadRevision(ctx)
		if err != nil {
			return datastore.NoRevision, err
		}
		if head.GreaterThan(rev) {
			return head, nil
		}
		return rev, nil
	case *pbv1.Consistency_AtExactSnapshot:
		rev, ok, err := decodeToken(requirement.AtExactSnapshot)
		if err != nil {
			return datastore.NoRevision, err
		}
		if !ok {
			return s.ds.QuantizedRevision(ctx)
		}
		if err := s.ds.CheckRevision(ctx, rev); err != nil {
			return datastore.NoRevision, err
		}
		return rev, nil
	default:
		return s.ds.QuantizedRevision(ctx)
	}
}
