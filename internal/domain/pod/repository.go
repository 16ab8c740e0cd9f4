package pod

import "context"

// Repository defines the interface for pod data access operations.
// This interface abstracts the underlying storage mechanism to allow
// for different implementations (database, in-memory, etc.).
type Repository interface {
	// Create persists a new pod and returns the assigned ID.
	// Returns ErrHostnameTaken if a live pod already uses the hostname.
	Create(ctx context.Context, p *Pod) (int64, error)

	// Update modifies an existing pod's properties. The pod is identified
	// by its ID field.
	Update(ctx context.Context, p *Pod) error

	// FindByID retrieves a pod by its unique identifier.
	// Returns ErrPodNotFound if the pod cannot be found.
	FindByID(ctx context.Context, id int64) (*Pod, error)

	// FindByHostname retrieves a live (non-deleted) pod by hostname.
	// Returns ErrPodNotFound if no live pod uses the hostname.
	FindByHostname(ctx context.Context, hostname string) (*Pod, error)

	// FindByTenantID retrieves all pods owned by a tenant, including
	// deleted ones.
	FindByTenantID(ctx context.Context, tenantID int64) ([]*Pod, error)

	// CountLiveByNode returns the number of non-deleted pods per
	// hypervisor node. Used by placement strategies.
	CountLiveByNode(ctx context.Context) (map[string]int, error)
}
