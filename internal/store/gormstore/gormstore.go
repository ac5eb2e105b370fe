package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPaymentTransaction = "payments_transaction_id_key"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	pgForeignKeyViolationCode    = "23503"
	errorOperationStore          = "store"
	errorSubjectUser             = "user"
	errorSubjectBalance          = "balance"
	errorSubjectPayment          = "payment"
	errorSubjectThread           = "thread"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeUpdate              = "update"
	errorCodeUpsert              = "upsert"
)

// sqlite result codes. The primary constraint code covers every constraint kind.
const (
	sqliteConstraintCode           = 19
	sqliteConstraintUniqueCode     = 2067
	sqliteConstraintPrimaryKeyCode = 1555
	sqliteConstraintForeignKeyCode = 787
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the tables used by the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error) {
	var model User
	err := store.db.WithContext(ctx).Where("identifier = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrUnknownUser)
		}
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	user, err := mapUser(model)
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return user, nil
}

func (store *Store) UpsertUser(ctx context.Context, userID ledger.UserID, metadata ledger.MetadataJSON, atUnixUTC int64) (ledger.User, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	model := User{
		Identifier: userID.String(),
		Metadata:   datatypesJSON(metadata.String()),
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identifier"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"metadata":   clause.Expr{SQL: "excluded.metadata"},
				"updated_at": clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&model).Error
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeUpsert, err)
	}
	return store.GetUser(ctx, userID)
}

func (store *Store) GetPayment(ctx context.Context, transactionID ledger.TransactionID) (ledger.PaymentRecord, error) {
	var model Payment
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, ledger.ErrPaymentNotFound)
		}
		return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	record, err := mapPayment(model)
	if err != nil {
		return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) InsertPayment(ctx context.Context, record ledger.PaymentRecord) error {
	model := Payment{
		ID:            record.ID,
		UserID:        record.UserID.String(),
		TransactionID: record.TransactionID.String(),
		OrderCode:     record.OrderCode.String(),
		EventID:       record.EventID,
		ECI:           record.ECI,
		Amount:        record.Amount.Int64(),
		CreatedAt:     time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isPaymentConflict(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, ledger.ErrPaymentExists)
	}
	if isForeignKeyViolation(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, ledger.ErrUnknownUser)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

// AdjustBalance applies delta in a single update statement so concurrent
// adjustments never lose writes.
func (store *Store) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Micros, atUnixUTC int64) (ledger.Micros, error) {
	var balance int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.
			Model(&User{}).
			Where("identifier = ?", userID.String()).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance + ?", delta.Int64()),
				"updated_at": time.Unix(atUnixUTC, 0).UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ledger.ErrUnknownUser
		}
		var model User
		if err := transaction.Select("balance").Where("identifier = ?", userID.String()).Take(&model).Error; err != nil {
			return err
		}
		balance = model.Balance
		return nil
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return ledger.Micros(balance), nil
}

func (store *Store) AddThreadUsage(ctx context.Context, usage ledger.ThreadUsage, atUnixUTC int64) error {
	at := time.Unix(atUnixUTC, 0).UTC()
	model := Thread{
		ID:           usage.ThreadID.String(),
		UserID:       usage.UserID.String(),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens(),
		Metadata:     datatypesJSON(defaultMetadataJSON),
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"input_tokens":  clause.Expr{SQL: "threads.input_tokens + excluded.input_tokens"},
				"output_tokens": clause.Expr{SQL: "threads.output_tokens + excluded.output_tokens"},
				"total_tokens":  clause.Expr{SQL: "threads.total_tokens + excluded.total_tokens"},
				"updated_at":    clause.Expr{SQL: "excluded.updated_at"},
			}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectThread, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetThread(ctx context.Context, threadID ledger.ThreadID) (ledger.Thread, error) {
	var model Thread
	err := store.db.WithContext(ctx).Where("id = ?", threadID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Thread{}, wrapStoreError(errorSubjectThread, errorCodeGet, ledger.ErrUnknownThread)
		}
		return ledger.Thread{}, wrapStoreError(errorSubjectThread, errorCodeGet, err)
	}
	thread, err := mapThread(model)
	if err != nil {
		return ledger.Thread{}, wrapStoreError(errorSubjectThread, errorCodeInvalid, err)
	}
	return thread, nil
}

func (store *Store) UpdateThreadMetadata(ctx context.Context, threadID ledger.ThreadID, metadata ledger.MetadataJSON, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Thread{}).
		Where("id = ?", threadID.String()).
		Updates(map[string]interface{}{
			"metadata":   datatypesJSON(metadata.String()),
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectThread, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectThread, errorCodeUpdate, ledger.ErrUnknownThread)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapUser(model User) (ledger.User, error) {
	userID, err := ledger.NewUserID(model.Identifier)
	if err != nil {
		return ledger.User{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.User{}, err
	}
	return ledger.User{
		Identifier:     userID,
		Balance:        ledger.Micros(model.Balance),
		Metadata:       metadata,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func mapPayment(model Payment) (ledger.PaymentRecord, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.PaymentRecord{}, err
	}
	transactionID, err := ledger.NewTransactionID(model.TransactionID)
	if err != nil {
		return ledger.PaymentRecord{}, err
	}
	orderCode, err := ledger.NewOrderCode(model.OrderCode)
	if err != nil {
		return ledger.PaymentRecord{}, err
	}
	amount, err := ledger.NewAmountCents(model.Amount)
	if err != nil {
		return ledger.PaymentRecord{}, err
	}
	return ledger.PaymentRecord{
		ID:             model.ID,
		UserID:         userID,
		TransactionID:  transactionID,
		OrderCode:      orderCode,
		EventID:        model.EventID,
		ECI:            model.ECI,
		Amount:         amount,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapThread(model Thread) (ledger.Thread, error) {
	threadID, err := ledger.NewThreadID(model.ID)
	if err != nil {
		return ledger.Thread{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Thread{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.Thread{}, err
	}
	return ledger.Thread{
		ThreadID:       threadID,
		UserID:         userID,
		InputTokens:    model.InputTokens,
		OutputTokens:   model.OutputTokens,
		TotalTokens:    model.TotalTokens,
		Metadata:       metadata,
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isPaymentConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPaymentTransaction
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return isSQLiteUniqueViolation(sqliteErr.Code(), sqliteErr.Error())
	}
	return false
}

// isSQLiteUniqueViolation accepts the UNIQUE and PRIMARY KEY extended codes.
// A bare primary constraint code only counts when the message names a UNIQUE failure.
func isSQLiteUniqueViolation(code int, message string) bool {
	switch code {
	case sqliteConstraintUniqueCode, sqliteConstraintPrimaryKeyCode:
		return true
	case sqliteConstraintCode:
		return strings.Contains(message, "UNIQUE constraint failed")
	default:
		return false
	}
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintForeignKeyCode
	}
	return false
}
