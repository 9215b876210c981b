package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CertificateRepository records issuance and revocation for operator
// audit. The in-memory certificate store stays authoritative for
// handshake checks; these rows survive restarts.
type CertificateRepository struct {
	db *gorm.DB
}

func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

func (r *CertificateRepository) RecordIssued(ctx context.Context, serial, serviceName string, notAfter time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	id, err := newUUID()
	if err != nil {
		return err
	}
	model := IssuedCertificateModel{
		ID:          id,
		Serial:      serial,
		ServiceName: serviceName,
		NotAfter:    notAfter.UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *CertificateRepository) RecordRevoked(ctx context.Context, serial string, revokedAt time.Time) error {
	if r.db == nil {
		return errDBUnavailable
	}
	id, err := newUUID()
	if err != nil {
		return err
	}
	model := CertificateRevocationModel{
		ID:        id,
		Serial:    serial,
		RevokedAt: revokedAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	// Revoking twice is a no-op, not an error.
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "serial"}}, DoNothing: true}).
		Create(&model).Error
}

// RevokedSerials returns every persisted revocation, used to rebuild
// the in-memory revocation set after a controller restart.
func (r *CertificateRepository) RevokedSerials(ctx context.Context) ([]string, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []CertificateRevocationModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(models))
	for _, model := range models {
		out = append(out, model.Serial)
	}
	return out, nil
}
