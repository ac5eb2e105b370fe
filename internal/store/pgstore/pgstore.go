package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintPaymentTransaction = "payments_transaction_id_key"
	pgUniqueViolationCode        = "23505"
	pgForeignKeyViolationCode    = "23503"
	errorOperationStore          = "store"
	errorSubjectUser             = "user"
	errorSubjectBalance          = "balance"
	errorSubjectPayment          = "payment"
	errorSubjectThread           = "thread"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeUpdate              = "update"
	errorCodeUpsert              = "upsert"

	sqlSelectUser = `
		select identifier, balance, coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
		from users
		where identifier = $1
	`

	sqlUpsertUser = `
		insert into users(id, identifier, balance, metadata, created_at, updated_at)
		values (gen_random_uuid(), $1, 0, coalesce(nullif($2,''),'{}')::jsonb, to_timestamp($3), to_timestamp($3))
		on conflict (identifier) do update set metadata = excluded.metadata, updated_at = excluded.updated_at
		returning identifier, balance, metadata::text,
			extract(epoch from created_at)::bigint, extract(epoch from updated_at)::bigint
	`

	sqlSelectPayment = `
		select id::text, user_id, transaction_id, order_code, event_id, eci, amount,
			extract(epoch from created_at)::bigint
		from payments
		where transaction_id = $1
	`

	sqlInsertPayment = `
		insert into payments(id, user_id, transaction_id, order_code, event_id, eci, amount, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, to_timestamp($8))
	`

	sqlAdjustBalance = `
		update users
		set balance = balance + $2, updated_at = to_timestamp($3)
		where identifier = $1
		returning balance
	`

	sqlAddThreadUsage = `
		insert into threads(id, user_id, input_tokens, output_tokens, total_tokens, metadata, created_at, updated_at)
		values ($1, $2, $3, $4, $5, '{}'::jsonb, to_timestamp($6), to_timestamp($6))
		on conflict (id) do update set
			input_tokens = threads.input_tokens + excluded.input_tokens,
			output_tokens = threads.output_tokens + excluded.output_tokens,
			total_tokens = threads.total_tokens + excluded.total_tokens,
			updated_at = excluded.updated_at
	`

	sqlUpdateThreadMetadata = `
		update threads
		set metadata = $2::jsonb, updated_at = to_timestamp($3)
		where id = $1
	`

	sqlSelectThread = `
		select id, user_id, input_tokens, output_tokens, total_tokens, coalesce(metadata::text,'{}'),
			extract(epoch from updated_at)::bigint
		from threads
		where id = $1
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the active transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (q queries) GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error) {
	user, err := scanUser(q.db.QueryRow(ctx, sqlSelectUser, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrUnknownUser)
	}
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return user, nil
}

func (q queries) UpsertUser(ctx context.Context, userID ledger.UserID, metadata ledger.MetadataJSON, atUnixUTC int64) (ledger.User, error) {
	user, err := scanUser(q.db.QueryRow(ctx, sqlUpsertUser, userID.String(), metadata.String(), atUnixUTC))
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeUpsert, err)
	}
	return user, nil
}

func (q queries) GetPayment(ctx context.Context, transactionID ledger.TransactionID) (ledger.PaymentRecord, error) {
	var (
		id, userIDValue, transactionIDValue, orderCodeValue string
		eventID, eci, amount, createdUnixUTC                int64
	)
	err := q.db.QueryRow(ctx, sqlSelectPayment, transactionID.String()).
		Scan(&id, &userIDValue, &transactionIDValue, &orderCodeValue, &eventID, &eci, &amount, &createdUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, ledger.ErrPaymentNotFound)
	}
	if err != nil {
		return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	parsedTransactionID, err := ledger.NewTransactionID(transactionIDValue)
	if err != nil {
		return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	orderCode, err := ledger.NewOrderCode(orderCodeValue)
	if err != nil {
		return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	amountCents, err := ledger.NewAmountCents(amount)
	if err != nil {
		return ledger.PaymentRecord{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	return ledger.PaymentRecord{
		ID:             id,
		UserID:         userID,
		TransactionID:  parsedTransactionID,
		OrderCode:      orderCode,
		EventID:        eventID,
		ECI:            eci,
		Amount:         amountCents,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func (q queries) InsertPayment(ctx context.Context, record ledger.PaymentRecord) error {
	createdUnixUTC := record.CreatedUnixUTC
	if createdUnixUTC == 0 {
		createdUnixUTC = time.Now().UTC().Unix()
	}
	_, err := q.db.Exec(ctx, sqlInsertPayment,
		record.ID,
		record.UserID.String(),
		record.TransactionID.String(),
		record.OrderCode.String(),
		record.EventID,
		record.ECI,
		record.Amount.Int64(),
		createdUnixUTC,
	)
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

func (q queries) AdjustBalance(ctx context.Context, userID ledger.UserID, delta ledger.Micros, atUnixUTC int64) (ledger.Micros, error) {
	var balance int64
	err := q.db.QueryRow(ctx, sqlAdjustBalance, userID.String(), delta.Int64(), atUnixUTC).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrUnknownUser)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return ledger.Micros(balance), nil
}

func (q queries) AddThreadUsage(ctx context.Context, usage ledger.ThreadUsage, atUnixUTC int64) error {
	_, err := q.db.Exec(ctx, sqlAddThreadUsage,
		usage.ThreadID.String(),
		usage.UserID.String(),
		usage.InputTokens,
		usage.OutputTokens,
		usage.TotalTokens(),
		atUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectThread, errorCodeUpsert, err)
	}
	return nil
}

func (q queries) UpdateThreadMetadata(ctx context.Context, threadID ledger.ThreadID, metadata ledger.MetadataJSON, atUnixUTC int64) error {
	tag, err := q.db.Exec(ctx, sqlUpdateThreadMetadata, threadID.String(), metadata.String(), atUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectThread, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectThread, errorCodeUpdate, ledger.ErrUnknownThread)
	}
	return nil
}

func (q queries) GetThread(ctx context.Context, threadID ledger.ThreadID) (ledger.Thread, error) {
	var (
		id, userIDValue, metadataValue          string
		inputTokens, outputTokens, totalTokens int64
		updatedUnixUTC                          int64
	)
	err := q.db.QueryRow(ctx, sqlSelectThread, threadID.String()).
		Scan(&id, &userIDValue, &inputTokens, &outputTokens, &totalTokens, &metadataValue, &updatedUnixUTC)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Thread{}, wrapStoreError(errorSubjectThread, errorCodeGet, ledger.ErrUnknownThread)
	}
	if err != nil {
		return ledger.Thread{}, wrapStoreError(errorSubjectThread, errorCodeGet, err)
	}
	parsedThreadID, err := ledger.NewThreadID(id)
	if err != nil {
		return ledger.Thread{}, wrapStoreError(errorSubjectThread, errorCodeInvalid, err)
	}
	userID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.Thread{}, wrapStoreError(errorSubjectThread, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.Thread{}, wrapStoreError(errorSubjectThread, errorCodeInvalid, err)
	}
	return ledger.Thread{
		ThreadID:       parsedThreadID,
		UserID:         userID,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		TotalTokens:    totalTokens,
		Metadata:       metadata,
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}

func scanUser(row pgx.Row) (ledger.User, error) {
	var (
		identifier, metadataValue      string
		balance                        int64
		createdUnixUTC, updatedUnixUTC int64
	)
	if err := row.Scan(&identifier, &balance, &metadataValue, &createdUnixUTC, &updatedUnixUTC); err != nil {
		return ledger.User{}, err
	}
	userID, err := ledger.NewUserID(identifier)
	if err != nil {
		return ledger.User{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataValue)
	if err != nil {
		return ledger.User{}, err
	}
	return ledger.User{
		Identifier:     userID,
		Balance:        ledger.Micros(balance),
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
		UpdatedUnixUTC: updatedUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isPaymentConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPaymentTransaction
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolationCode
	}
	return false
}
