package pool

import (
	"errors"
	"math/big"

	errs "github.com/Blu-J/rundler/models/errors"
)

// feeKey orders the eviction index by fee, then by arrival.
type feeKey struct {
	fee *big.Int
	seq uint64
}

func compareFeeKeys(a, b interface{}) int {
	ka, kb := a.(feeKey), b.(feeKey)
	if c := ka.fee.Cmp(kb.fee); c != 0 {
		return c
	}
	switch {
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// reasonOf labels an admission error for metrics.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, errs.ErrEntityBanned):
		return "entity_banned"
	case errors.Is(err, errs.ErrEntityThrottled):
		return "entity_throttled"
	case errors.Is(err, errs.ErrSenderLimit):
		return "sender_limit"
	case errors.Is(err, errs.ErrDuplicateNonceLowerFee):
		return "replacement_underpriced"
	case errors.Is(err, errs.ErrPoolFull):
		return "pool_full"
	case errors.Is(err, errs.ErrAlreadyKnown):
		return "already_known"
	default:
		return "other"
	}
}
