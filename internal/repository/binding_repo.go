package repository

import (
	"context"
	"time"

	"github.com/timmy/vectorinfinity/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BindingRepository stores per-account source configuration.
type BindingRepository struct {
	db *gorm.DB
}

// NewBindingRepository creates a new BindingRepository.
func NewBindingRepository(db *gorm.DB) *BindingRepository {
	return &BindingRepository{db: db}
}

// Get returns the binding of (accountID, sourceName).
func (r *BindingRepository) Get(ctx context.Context, accountID, sourceName string) (*domain.SourceBinding, error) {
	var b domain.SourceBinding
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND source_name = ?", accountID, sourceName).
		Take(&b).Error
	if err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

// List returns all bindings of an account ordered by source name.
func (r *BindingRepository) List(ctx context.Context, accountID string) ([]domain.SourceBinding, error) {
	var out []domain.SourceBinding
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("source_name").
		Find(&out).Error
	return out, err
}

// ListEnabled returns enabled bindings that belong to active accounts.
func (r *BindingRepository) ListEnabled(ctx context.Context) ([]domain.SourceBinding, error) {
	var out []domain.SourceBinding
	err := r.db.WithContext(ctx).
		Joins("JOIN accounts ON accounts.id = source_bindings.account_id").
		Where("source_bindings.enabled = ? AND accounts.active = ?", true, true).
		Order("source_bindings.account_id, source_bindings.source_name").
		Find(&out).Error
	return out, err
}

// Upsert writes config and enabled for (accountID, sourceName), creating the
// binding on first write. Re-configuring never creates a second row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: owning account.
//   - sourceName: source adapter name.
//   - cfg: adapter configuration document.
//   - enabled: whether scheduled and manual imports may run.
// Returns:
//   - *domain.SourceBinding: the stored binding.
//   - error: write error.
func (r *BindingRepository) Upsert(ctx context.Context, accountID, sourceName string, cfg map[string]interface{}, enabled bool) (*domain.SourceBinding, error) {
	now := time.Now().UTC()
	b := &domain.SourceBinding{
		AccountID:  accountID,
		SourceName: sourceName,
		Config:     jsonMap(cfg),
		Enabled:    enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "source_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"config", "enabled", "updated_at"}),
		}).
		Create(b).Error
	if err != nil {
		return nil, translate(err)
	}
	return r.Get(ctx, accountID, sourceName)
}

// SetEnabled toggles a binding.
func (r *BindingRepository) SetEnabled(ctx context.Context, accountID, sourceName string, enabled bool) error {
	res := r.db.WithContext(ctx).
		Model(&domain.SourceBinding{}).
		Where("account_id = ? AND source_name = ?", accountID, sourceName).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeConfig sets a single key in the binding config, creating a disabled
// binding when none exists.
func (r *BindingRepository) MergeConfig(ctx context.Context, accountID, sourceName, key string, value interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b domain.SourceBinding
		err := tx.Where("account_id = ? AND source_name = ?", accountID, sourceName).Take(&b).Error
		if translate(err) == ErrNotFound {
			now := time.Now().UTC()
			return tx.Create(&domain.SourceBinding{
				AccountID:  accountID,
				SourceName: sourceName,
				Config:     datatypes.JSONMap{key: value},
				CreatedAt:  now,
				UpdatedAt:  now,
			}).Error
		}
		if err != nil {
			return err
		}
		merged := datatypes.JSONMap{}
		for k, v := range b.Config {
			merged[k] = v
		}
		merged[key] = value
		return tx.Model(&b).Updates(map[string]interface{}{
			"config":     merged,
			"updated_at": time.Now().UTC(),
		}).Error
	})
}
