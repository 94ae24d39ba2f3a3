package productcache

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// InsufficientCacheSpaceError means eviction cannot free enough room
type InsufficientCacheSpaceError struct {
	Needed    int64
	Available int64
}

func (e *InsufficientCacheSpaceError) Error() string {
	return fmt.Sprintf("insufficient cache space: need %s, only %s can be freed",
		humanize.Bytes(uint64(max(e.Needed, 0))), humanize.Bytes(uint64(max(e.Available, 0))))
}

// TransferSlotUnavailableError means the server has no free transfer slot
type TransferSlotUnavailableError struct {
	RetryAfter time.Duration
}

func (e *TransferSlotUnavailableError) Error() string {
	return fmt.Sprintf("no transfer slot available, retry after %s", e.RetryAfter)
}

// TransferSlotLostError means the heartbeat could not renew the slot
type TransferSlotLostError struct {
	SlotID string
	Err    error
}

func (e *TransferSlotLostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer slot %s lost: %v", e.SlotID, e.Err)
	}
	return fmt.Sprintf("transfer slot %s lost", e.SlotID)
}

func (e *TransferSlotLostError) Unwrap() error {
	return e.Err
}
