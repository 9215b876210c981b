package db

import (
	"context"
	"errors"
	"time"

	"github.com/crankbird/crankmesh/internal/domain"

	"gorm.io/gorm"
)

// AuditEntryRepository is the gorm-backed audit store. The audit log
// serializes writes, so Insert never runs concurrently.
type AuditEntryRepository struct {
	db *gorm.DB
}

func NewAuditEntryRepository(db *gorm.DB) *AuditEntryRepository {
	return &AuditEntryRepository{db: db}
}

func (r *AuditEntryRepository) Insert(ctx context.Context, entry domain.AuditEntry) error {
	if r.db == nil {
		return errDBUnavailable
	}
	id, err := newUUID()
	if err != nil {
		return err
	}
	model := AuditEntryModel{
		ID:            id,
		Seq:           entry.Seq,
		JobID:         entry.JobID,
		Caller:        entry.Caller,
		Capability:    entry.Capability,
		Version:       entry.Version,
		RequestHash:   entry.RequestHash,
		ResponseHash:  entry.ResponseHash,
		Outcome:       string(entry.Outcome),
		Reason:        stringPtrIfNotEmpty(entry.Reason),
		PrevSignature: entry.PrevSignature,
		EntryHash:     entry.EntryHash,
		Signature:     entry.Signature,
		CreatedAt:     entry.CreatedAt.UTC().Truncate(time.Microsecond),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicateJobID
		}
		return err
	}
	return nil
}

func (r *AuditEntryRepository) GetByJobID(ctx context.Context, jobID string) (domain.AuditEntry, error) {
	if r.db == nil {
		return domain.AuditEntry{}, errDBUnavailable
	}
	var model AuditEntryModel
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AuditEntry{}, domain.ErrNotFound
		}
		return domain.AuditEntry{}, err
	}
	return entryFromModel(model), nil
}

func (r *AuditEntryRepository) Last(ctx context.Context) (domain.AuditEntry, bool, error) {
	if r.db == nil {
		return domain.AuditEntry{}, false, errDBUnavailable
	}
	var model AuditEntryModel
	err := r.db.WithContext(ctx).Order("seq DESC").Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AuditEntry{}, false, nil
		}
		return domain.AuditEntry{}, false, err
	}
	return entryFromModel(model), true, nil
}

func (r *AuditEntryRepository) ListAll(ctx context.Context) ([]domain.AuditEntry, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []AuditEntryModel
	if err := r.db.WithContext(ctx).Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(models))
	for _, model := range models {
		out = append(out, entryFromModel(model))
	}
	return out, nil
}

func entryFromModel(model AuditEntryModel) domain.AuditEntry {
	return domain.AuditEntry{
		Receipt: domain.Receipt{
			JobID:        model.JobID,
			Caller:       model.Caller,
			Capability:   model.Capability,
			Version:      model.Version,
			RequestHash:  model.RequestHash,
			ResponseHash: model.ResponseHash,
			Outcome:      domain.Outcome(model.Outcome),
			Reason:       stringValue(model.Reason),
			CreatedAt:    model.CreatedAt.UTC(),
		},
		Seq:           model.Seq,
		PrevSignature: model.PrevSignature,
		EntryHash:     model.EntryHash,
		Signature:     model.Signature,
	}
}
