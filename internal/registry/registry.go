package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Registry is the exact set of operations the core (runner + scheduler)
// needs against the durable job table. Create and Delete exist only for
// the external control plane and test setup; the core never calls them.
type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	ListByStatus(ctx context.Context, status Status, orderBy string, limit int) ([]Job, error)
	Update(ctx context.Context, id uuid.UUID, patch *Job) error
	ConditionalUpdate(ctx context.Context, id uuid.UUID, patch *Job, expected Status) (bool, error)
	Create(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// GormRegistry implements Registry against any dialector GORM supports;
// Postgres in production, SQLite in tests, matching internal/store's
// dual-dialector approach.
type GormRegistry struct {
	db *gorm.DB
}

var _ Registry = (*GormRegistry)(nil)

func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

func (r *GormRegistry) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	result := r.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}
	return &job, nil
}

func (r *GormRegistry) ListByStatus(ctx context.Context, status Status, orderBy string, limit int) ([]Job, error) {
	var jobs []Job
	tx := r.db.WithContext(ctx).Where("status = ?", status)
	if orderBy != "" {
		tx = tx.Order(orderBy)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if result := tx.Find(&jobs); result.Error != nil {
		return nil, fmt.Errorf("listing jobs by status %s: %w", status, result.Error)
	}
	return jobs, nil
}

// Update applies a partial patch unconditionally. Always bumps UpdatedAt,
// matching store.SnapshotStore.Update.
func (r *GormRegistry) Update(ctx context.Context, id uuid.UUID, patch *Job) error {
	now := time.Now()
	patch.UpdatedAt = &now

	result := r.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(patch)
	if result.Error != nil {
		return fmt.Errorf("updating job %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ConditionalUpdate is the canonical claim primitive: a single
// WHERE id = ? AND status = ? statement whose RowsAffected decides
// success, race-free under Postgres's read-committed isolation for a
// single-row predicate (Open Question C, decided in favor of backend
// support rather than read-after-write).
func (r *GormRegistry) ConditionalUpdate(ctx context.Context, id uuid.UUID, patch *Job, expected Status) (bool, error) {
	now := time.Now()
	patch.UpdatedAt = &now

	result := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(patch)
	if result.Error != nil {
		return false, fmt.Errorf("conditionally updating job %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRegistry) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if result := r.db.WithContext(ctx).Create(job); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("creating job: %w", result.Error)
	}
	return nil
}

func (r *GormRegistry) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting job %s: %w", id, result.Error)
	}
	return nil
}
