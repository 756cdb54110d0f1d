package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/vectorinfinity/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecordRepository is the system of record for imported items.
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository creates a new RecordRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *RecordRepository: repository instance bound to db.
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Find looks up a record by its identity triple.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - accountID: owning account.
//   - sourceName: source adapter name.
//   - sourceID: source-local identifier.
// Returns:
//   - *domain.ImportedRecord: the stored record.
//   - error: ErrNotFound if absent, or the lookup error.
func (r *RecordRepository) Find(ctx context.Context, accountID, sourceName, sourceID string) (*domain.ImportedRecord, error) {
	var rec domain.ImportedRecord
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND source_name = ? AND source_id = ?", accountID, sourceName, sourceID).
		Take(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// Insert stores a new record. The unique index on the identity triple rejects
// duplicates with ErrDuplicate.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: record to persist; ID is generated when empty.
// Returns:
//   - error: ErrDuplicate on identity conflict, or the insert error.
func (r *RecordRepository) Insert(ctx context.Context, rec *domain.ImportedRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.SourceTimestamp = utcPtr(rec.SourceTimestamp)
	return translate(r.db.WithContext(ctx).Create(rec).Error)
}

// UpdateInPlace overwrites the mutable fields of an existing record and bumps
// updated_at. created_at is never touched. existing is updated in memory too.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - existing: stored record to overwrite.
//   - fields: new kind, title, body, metadata, and source timestamp.
// Returns:
//   - error: ErrNotFound if the row disappeared, or the update error.
func (r *RecordRepository) UpdateInPlace(ctx context.Context, existing *domain.ImportedRecord, fields domain.RecordFields) error {
	now := time.Now().UTC()
	if !now.After(existing.UpdatedAt) {
		now = existing.UpdatedAt.Add(time.Microsecond)
	}
	kind := fields.Kind
	if kind == "" {
		kind = existing.Kind
	}
	ts := utcPtr(fields.SourceTimestamp)

	res := r.db.WithContext(ctx).
		Model(&domain.ImportedRecord{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"kind":             kind,
			"title":            fields.Title,
			"content":          fields.Content,
			"metadata":         jsonMap(fields.Metadata),
			"source_timestamp": ts,
			"updated_at":       now,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	existing.Kind = kind
	existing.Title = fields.Title
	existing.Content = fields.Content
	existing.Metadata = jsonMap(fields.Metadata)
	existing.SourceTimestamp = ts
	existing.UpdatedAt = now
	return nil
}

// LatestSourceTimestamp returns the newest source timestamp stored for
// (accountID, sourceName), or nil when no record carries one.
func (r *RecordRepository) LatestSourceTimestamp(ctx context.Context, accountID, sourceName string) (*time.Time, error) {
	var rec domain.ImportedRecord
	// ORDER BY instead of MAX() so SQLite returns a typed DATETIME column.
	err := r.db.WithContext(ctx).
		Select("source_timestamp").
		Where("account_id = ? AND source_name = ? AND source_timestamp IS NOT NULL", accountID, sourceName).
		Order("source_timestamp DESC").
		Limit(1).
		Take(&rec).Error
	if err != nil {
		if err = translate(err); errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec.SourceTimestamp, nil
}

// Count returns the number of records of an account, optionally limited to one source.
func (r *RecordRepository) Count(ctx context.Context, accountID, sourceName string) (int64, error) {
	var count int64
	err := r.scope(ctx, accountID, sourceName).Model(&domain.ImportedRecord{}).Count(&count).Error
	return count, err
}

// CountAll returns the number of records across all accounts.
func (r *RecordRepository) CountAll(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ImportedRecord{}).Count(&count).Error
	return count, err
}

// DeleteWhere removes the records of an account, optionally limited to one
// source, and returns how many rows were deleted.
func (r *RecordRepository) DeleteWhere(ctx context.Context, accountID, sourceName string) (int64, error) {
	res := r.scope(ctx, accountID, sourceName).Delete(&domain.ImportedRecord{})
	return res.RowsAffected, res.Error
}

// EachBatch walks the records of an account in primary key order, handing
// fn at most size records at a time.
func (r *RecordRepository) EachBatch(ctx context.Context, accountID, sourceName string, size int, fn func([]domain.ImportedRecord) error) error {
	var batch []domain.ImportedRecord
	res := r.scope(ctx, accountID, sourceName).
		FindInBatches(&batch, size, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		})
	return res.Error
}

// List returns records of an account ordered by source timestamp, newest first.
func (r *RecordRepository) List(ctx context.Context, accountID, sourceName string, limit, offset int) ([]domain.ImportedRecord, error) {
	var records []domain.ImportedRecord
	err := r.scope(ctx, accountID, sourceName).
		Order("source_timestamp DESC, created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	return records, err
}

// KeyCount is one row of a grouped count.
type KeyCount struct {
	Key   string `gorm:"column:label"`
	Count int64  `gorm:"column:total"`
}

// CountBySource groups an account's records by source name.
func (r *RecordRepository) CountBySource(ctx context.Context, accountID string) ([]KeyCount, error) {
	return r.countBy(ctx, accountID, "source_name")
}

// CountByKind groups an account's records by record kind.
func (r *RecordRepository) CountByKind(ctx context.Context, accountID string) ([]KeyCount, error) {
	return r.countBy(ctx, accountID, "kind")
}

func (r *RecordRepository) countBy(ctx context.Context, accountID, column string) ([]KeyCount, error) {
	var rows []KeyCount
	err := r.db.WithContext(ctx).
		Model(&domain.ImportedRecord{}).
		Select(fmt.Sprintf("%s AS label, COUNT(*) AS total", column)).
		Where("account_id = ?", accountID).
		Group(column).
		Order(column).
		Scan(&rows).Error
	return rows, err
}

func (r *RecordRepository) scope(ctx context.Context, accountID, sourceName string) *gorm.DB {
	q := r.db.WithContext(ctx).Where("account_id = ?", accountID)
	if sourceName != "" {
		q = q.Where("source_name = ?", sourceName)
	}
	return q
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func jsonMap(m map[string]interface{}) datatypes.JSONMap {
	if m == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(m)
}
