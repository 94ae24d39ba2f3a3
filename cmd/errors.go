package cmd

import (
	"errors"

	"github.com/marcus/cacheagent/internal/backend"
	"github.com/marcus/cacheagent/internal/coordinator"
	"github.com/marcus/cacheagent/internal/output"
	"github.com/marcus/cacheagent/internal/productcache"
	"github.com/marcus/cacheagent/internal/replica"
	"github.com/marcus/cacheagent/internal/resolver"
)

// errReported signals a failure whose details were already printed
var errReported = errors.New("reported")

// errorCode classifies err for structured output
func errorCode(err error) string {
	var (
		noSlot       *productcache.TransferSlotUnavailableError
		insufficient *productcache.InsufficientCacheSpaceError
		missing      *resolver.ProductNotAvailableError
		missingDepot *resolver.ProductNotAvailableOnDepotError
	)
	switch {
	case errors.Is(err, coordinator.ErrNotConfigured):
		return output.ErrCodeNotConfigured
	case errors.Is(err, replica.ErrSyncBlocked):
		return output.ErrCodeSyncBlocked
	case errors.Is(err, backend.ErrUnauthorized):
		return output.ErrCodeUnauthorized
	case errors.As(err, &noSlot):
		return output.ErrCodeNoSlot
	case errors.As(err, &insufficient):
		return output.ErrCodeInsufficient
	case errors.As(err, &missing), errors.As(err, &missingDepot):
		return output.ErrCodeProductMissing
	}
	return output.ErrCodeInternalError
}

func reportError(err error) {
	if errors.Is(err, errReported) {
		return
	}
	if jsonOutput {
		output.JSONError(errorCode(err), err.Error())
		return
	}
	output.Error("%v", err)
}
