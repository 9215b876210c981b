package db

import "time"

type AuditEntryModel struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	Seq           int64     `gorm:"uniqueIndex;not null"`
	JobID         string    `gorm:"uniqueIndex;not null"`
	Caller        string    `gorm:"index;not null"`
	Capability    string    `gorm:"index;not null"`
	Version       string    `gorm:"not null"`
	RequestHash   string    `gorm:"not null"`
	ResponseHash  string    `gorm:"not null"`
	Outcome       string    `gorm:"not null"`
	Reason        *string
	PrevSignature string    `gorm:"not null"`
	EntryHash     string    `gorm:"not null"`
	Signature     string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (AuditEntryModel) TableName() string { return "audit_entries" }

type IssuedCertificateModel struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	Serial      string    `gorm:"uniqueIndex;not null"`
	ServiceName string    `gorm:"index;not null"`
	NotAfter    time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (IssuedCertificateModel) TableName() string { return "issued_certificates" }

type CertificateRevocationModel struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Serial    string    `gorm:"uniqueIndex;not null"`
	RevokedAt time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (CertificateRevocationModel) TableName() string { return "certificate_revocations" }
