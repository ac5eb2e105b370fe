package ledger

const (
	operationCreatePayment = "create_payment"
	operationCredit        = "credit"
	operationDeduct        = "deduct"
	operationUpsertUser    = "upsert_user"
	operationRecordUsage   = "record_usage"
	operationShareThread   = "share_thread"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// MicrosPerCent converts provider minor units into balance micros.
	MicrosPerCent = 10_000
	// MicrosPerUnit is the number of micros in one currency unit.
	MicrosPerUnit = 1_000_000

	defaultMetadataJSON = "{}"
)
