package quota

import "context"

// Ledger defines the interface for quota persistence and enforcement.
// CheckAndReserve and Release participate in the caller's transaction
// when one is carried on the context, so quota adjustments commit
// atomically with the pod/job rows they guard.
type Ledger interface {
	// Get returns the tenant's quota record, or the documented default
	// policy when no row exists.
	Get(ctx context.Context, tenantID int64) (*Record, error)

	// CheckAndReserve atomically evaluates the delta against the
	// tenant's limits. On Allowed the new usage is committed; on Denied
	// nothing is mutated and the decision carries the per-dimension
	// breakdown.
	CheckAndReserve(ctx context.Context, tenantID int64, d Delta) (Decision, error)

	// Release decrements usage by the delta, used on destroy completion
	// and failed-job rollback.
	Release(ctx context.Context, tenantID int64, d Delta) error
}
