package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table.
type User struct {
	ID         string         `gorm:"type:uuid;primaryKey"`
	Identifier string         `gorm:"not null;uniqueIndex:users_identifier_key"`
	Balance    int64          `gorm:"not null;default:0"`
	Metadata   datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	return nil
}

// Payment mirrors the payments table.
type Payment struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"not null;index:idx_payments_user_id"`
	TransactionID string    `gorm:"not null;uniqueIndex:payments_transaction_id_key"`
	OrderCode     string    `gorm:"not null"`
	EventID       int64     `gorm:"not null;default:0"`
	ECI           int64     `gorm:"column:eci;not null;default:0"`
	Amount        int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return nil
}

// Thread mirrors the threads table.
type Thread struct {
	ID           string         `gorm:"primaryKey"`
	UserID       string         `gorm:"not null;index:idx_threads_user_id"`
	InputTokens  int64          `gorm:"not null;default:0"`
	OutputTokens int64          `gorm:"not null;default:0"`
	TotalTokens  int64          `gorm:"not null;default:0"`
	Metadata     datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

func (Thread) TableName() string { return "threads" }

// Models lists every table managed by the store, in dependency order.
func Models() []any {
	return []any{&User{}, &Payment{}, &Thread{}}
}
