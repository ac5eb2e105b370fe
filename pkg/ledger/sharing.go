package ledger

import (
	"context"
	"encoding/json"
	"time"
)

const (
	metadataKeyShared   = "is_shared"
	metadataKeySharedAt = "shared_at"
)

// privateThreadKeys never leave the owner's view of a thread.
var privateThreadKeys = []string{"chat_profile", "chat_settings", "env"}

// Shared reports whether the thread metadata carries is_shared=true.
func (thread Thread) Shared() bool {
	shared, _ := decodeMetadataObject(thread.Metadata)[metadataKeyShared].(bool)
	return shared
}

// ShareThread sets or clears the shared flag of a thread. Only the thread
// owner may change it; sharing stamps shared_at and unsharing removes it.
func (service *Service) ShareThread(ctx context.Context, userID UserID, threadID ThreadID, shared bool) (Thread, error) {
	var updated Thread
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		thread, err := transactionStore.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if thread.UserID != userID {
			return ErrThreadNotOwned
		}
		atUnixUTC := service.nowFn()
		fields := decodeMetadataObject(thread.Metadata)
		fields[metadataKeyShared] = shared
		if shared {
			fields[metadataKeySharedAt] = time.Unix(atUnixUTC, 0).UTC().Format(time.RFC3339)
		} else {
			delete(fields, metadataKeySharedAt)
		}
		metadata, err := encodeMetadataObject(fields)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateThreadMetadata(ctx, threadID, metadata, atUnixUTC); err != nil {
			return err
		}
		thread.Metadata = metadata
		thread.UpdatedUnixUTC = atUnixUTC
		updated = thread
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationShareThread,
		UserID:    userID,
		ThreadID:  threadID,
		Error:     operationError,
	})
	if operationError != nil {
		return Thread{}, operationError
	}
	return updated, nil
}

// SharedThread returns a thread for read-only viewing by anyone. Threads that
// are not shared yield ErrUnknownThread so their existence does not leak.
func (service *Service) SharedThread(ctx context.Context, threadID ThreadID) (Thread, error) {
	thread, err := service.store.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	if !thread.Shared() {
		return Thread{}, ErrUnknownThread
	}
	fields := decodeMetadataObject(thread.Metadata)
	for _, key := range privateThreadKeys {
		delete(fields, key)
	}
	metadata, err := encodeMetadataObject(fields)
	if err != nil {
		return Thread{}, err
	}
	thread.Metadata = metadata
	return thread, nil
}

// decodeMetadataObject treats anything but a JSON object as empty.
func decodeMetadataObject(metadata MetadataJSON) map[string]any {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &fields); err != nil || fields == nil {
		return map[string]any{}
	}
	return fields
}

func encodeMetadataObject(fields map[string]any) (MetadataJSON, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, err
	}
	return NewMetadataJSON(string(encoded))
}
