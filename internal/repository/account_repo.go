package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/vectorinfinity/internal/domain"
	"gorm.io/gorm"
)

// AccountRepository manages accounts.
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts an inactive account. An empty id is replaced with a UUID.
func (r *AccountRepository) Create(ctx context.Context, id, name string) (*domain.Account, error) {
	if id == "" {
		id = uuid.New().String()
	}
	acc := &domain.Account{ID: id, Name: name}
	if err := r.db.WithContext(ctx).Create(acc).Error; err != nil {
		return nil, translate(err)
	}
	return acc, nil
}

// Get returns an account by ID.
func (r *AccountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	var acc domain.Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&acc).Error; err != nil {
		return nil, translate(err)
	}
	return &acc, nil
}

// SetActive activates or deactivates an account.
func (r *AccountRepository) SetActive(ctx context.Context, id string, active bool) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"active": active, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every account ordered by creation time.
func (r *AccountRepository) List(ctx context.Context) ([]domain.Account, error) {
	var out []domain.Account
	err := r.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}

// Delete hard-deletes an account together with its bindings, records, and runs.
// Children are removed explicitly so the delete does not depend on the
// connection having foreign keys enabled.
func (r *AccountRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&domain.ImportRun{},
			&domain.ImportedRecord{},
			&domain.SourceBinding{},
		} {
			if err := tx.Where("account_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("id = ?", id).Delete(&domain.Account{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
