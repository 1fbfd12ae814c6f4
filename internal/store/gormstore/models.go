package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserCredits represents the user_credits table.
type UserCredits struct {
	UserID    string    `gorm:"primaryKey"`
	Credits   int64     `gorm:"not null;default:0;check:chk_user_credits_non_negative,credits >= 0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (UserCredits) TableName() string { return "user_credits" }

// CreditLog mirrors the credit_logs table.
type CreditLog struct {
	ID              string         `gorm:"type:uuid;primaryKey"`
	UserID          string         `gorm:"not null;index:idx_credit_logs_user_created,priority:1"`
	Amount          int64          `gorm:"not null"`
	Type            string         `gorm:"not null"`
	Description     string         `gorm:"not null;default:''"`
	PreviousBalance int64          `gorm:"not null"`
	NewBalance      int64          `gorm:"not null"`
	IdempotencyKey  string         `gorm:"not null;uniqueIndex:uniq_credit_logs_idempotency_key"`
	Reference       string         `gorm:"not null;default:'';index"`
	Metadata        datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_credit_logs_user_created,priority:2"`
}

func (CreditLog) TableName() string { return "credit_logs" }

func (entry *CreditLog) BeforeCreate(tx *gorm.DB) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return nil
}

// CreditCharge mirrors the credit_charges table. ID orders charges created within the same second.
type CreditCharge struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	ChargeID  string    `gorm:"not null;uniqueIndex:uniq_credit_charges_charge_id"`
	UserID    string    `gorm:"not null;index:idx_credit_charges_pending_lookup,priority:1"`
	Style     string    `gorm:"not null;index:idx_credit_charges_pending_lookup,priority:2"`
	Origin    string    `gorm:"not null;default:'client';index:idx_credit_charges_pending_lookup,priority:3"`
	Cost      int64     `gorm:"not null"`
	Status    string    `gorm:"not null;index:idx_credit_charges_pending_lookup,priority:4"`
	Reason    string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CreditCharge) TableName() string { return "credit_charges" }

// Payment mirrors the payments table.
type Payment struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	PaymentID     string    `gorm:"not null;uniqueIndex:uniq_payments_payment_id"`
	UserID        string    `gorm:"not null;index"`
	Amount        int64     `gorm:"not null"`
	Currency      string    `gorm:"not null;default:''"`
	Status        string    `gorm:"not null"`
	CreditsAdded  int64     `gorm:"not null;default:0"`
	ProductID     string    `gorm:"not null;default:''"`
	PaymentMethod string    `gorm:"not null;default:''"`
	CustomerName  string    `gorm:"not null;default:''"`
	CustomerEmail string    `gorm:"not null;default:''"`
	CreatedAt     time.Time `gorm:"not null;index"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return nil
}

// UserImage mirrors the user_images table.
type UserImage struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"not null;index:idx_user_images_user_created,priority:1"`
	RequestID string         `gorm:"not null"`
	ChargeID  string         `gorm:"not null;default:''"`
	Style     string         `gorm:"not null"`
	Prompt    string         `gorm:"not null"`
	ImageURL  string         `gorm:"not null"`
	Width     int            `gorm:"not null;default:0"`
	Height    int            `gorm:"not null;default:0"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_user_images_user_created,priority:2"`
}

func (UserImage) TableName() string { return "user_images" }

func (image *UserImage) BeforeCreate(tx *gorm.DB) error {
	if image.ID == "" {
		image.ID = uuid.NewString()
	}
	return nil
}

// Models lists every table AutoMigrate manages.
func Models() []any {
	return []any{&UserCredits{}, &CreditLog{}, &CreditCharge{}, &Payment{}, &UserImage{}}
}
