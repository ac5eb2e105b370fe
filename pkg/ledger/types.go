package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a provider amount in minor currency units.
type AmountCents int64

// Micros is a balance amount in millionths of the currency unit.
type Micros int64

// UserID identifies an account owner by their login identifier.
type UserID struct {
	value string
}

// TransactionID is the provider's unique transaction reference.
type TransactionID struct {
	value string
}

// OrderCode is the provider's order reference. It is kept as text because
// providers emit order codes that overflow float64.
type OrderCode struct {
	value string
}

// ThreadID identifies a chat thread.
type ThreadID struct {
	value string
}

// MetadataJSON stores an arbitrary JSON document.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewOrderCode validates and normalizes an order code.
func NewOrderCode(raw string) (OrderCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrderCode{}, fmt.Errorf("%w: empty value", ErrInvalidOrderCode)
	}
	return OrderCode{value: trimmed}, nil
}

// String returns the normalized order code.
func (code OrderCode) String() string {
	return code.value
}

// NewThreadID validates and normalizes a thread id.
func NewThreadID(raw string) (ThreadID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ThreadID{}, fmt.Errorf("%w: empty value", ErrInvalidThreadID)
	}
	return ThreadID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ThreadID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 exposes the raw cents value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// ToMicros converts cents into balance micros without rounding.
func (amount AmountCents) ToMicros() Micros {
	return Micros(int64(amount) * MicrosPerCent)
}

// NewChargeMicros validates a charge amount; zero is allowed.
func NewChargeMicros(raw int64) (Micros, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidMicros)
	}
	return Micros(raw), nil
}

// Int64 exposes the raw micros value.
func (amount Micros) Int64() int64 {
	return int64(amount)
}

// Negated returns the additive inverse.
func (amount Micros) Negated() Micros {
	return -amount
}

// String renders the amount in currency units with six decimals.
func (amount Micros) String() string {
	value := int64(amount)
	sign := ""
	if value < 0 {
		sign = "-"
		value = -value
	}
	return fmt.Sprintf("%s%d.%06d", sign, value/MicrosPerUnit, value%MicrosPerUnit)
}

// User is the persisted account holder.
type User struct {
	Identifier     UserID
	Balance        Micros
	Metadata       MetadataJSON
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// PaymentRecord is an immutable accepted payment.
type PaymentRecord struct {
	ID             string
	UserID         UserID
	TransactionID  TransactionID
	OrderCode      OrderCode
	EventID        int64
	ECI            int64
	Amount         AmountCents
	CreatedUnixUTC int64
}

// PaymentInput carries the verified fields of a payment about to be recorded.
type PaymentInput struct {
	UserID        UserID
	TransactionID TransactionID
	OrderCode     OrderCode
	EventID       int64
	ECI           int64
	Amount        AmountCents
}

// PaymentLookup identifies a payment by its provider triple.
type PaymentLookup struct {
	TransactionID TransactionID
	OrderCode     OrderCode
	UserID        UserID
}

// Matches reports whether the record belongs to the lookup triple.
func (lookup PaymentLookup) Matches(record PaymentRecord) bool {
	return record.TransactionID == lookup.TransactionID &&
		record.OrderCode == lookup.OrderCode &&
		record.UserID == lookup.UserID
}

// ThreadUsage is a token usage increment for a thread.
type ThreadUsage struct {
	ThreadID     ThreadID
	UserID       UserID
	InputTokens  int64
	OutputTokens int64
}

// NewThreadUsage validates a usage increment.
func NewThreadUsage(threadID ThreadID, userID UserID, inputTokens int64, outputTokens int64) (ThreadUsage, error) {
	if threadID.String() == "" {
		return ThreadUsage{}, fmt.Errorf("%w: empty value", ErrInvalidThreadID)
	}
	if userID.String() == "" {
		return ThreadUsage{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if inputTokens < 0 || outputTokens < 0 {
		return ThreadUsage{}, fmt.Errorf("%w: must not be negative", ErrInvalidTokenCount)
	}
	return ThreadUsage{
		ThreadID:     threadID,
		UserID:       userID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, nil
}

// TotalTokens sums input and output tokens.
func (usage ThreadUsage) TotalTokens() int64 {
	return usage.InputTokens + usage.OutputTokens
}

// Thread is the accumulated usage view of a chat thread.
type Thread struct {
	ThreadID       ThreadID
	UserID         UserID
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64
	Metadata       MetadataJSON
	UpdatedUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetUser(ctx context.Context, userID UserID) (User, error)
	UpsertUser(ctx context.Context, userID UserID, metadata MetadataJSON, atUnixUTC int64) (User, error)
	GetPayment(ctx context.Context, transactionID TransactionID) (PaymentRecord, error)
	InsertPayment(ctx context.Context, record PaymentRecord) error
	AdjustBalance(ctx context.Context, userID UserID, delta Micros, atUnixUTC int64) (Micros, error)
	AddThreadUsage(ctx context.Context, usage ThreadUsage, atUnixUTC int64) error
	GetThread(ctx context.Context, threadID ThreadID) (Thread, error)
	UpdateThreadMetadata(ctx context.Context, threadID ThreadID, metadata MetadataJSON, atUnixUTC int64) error
}
