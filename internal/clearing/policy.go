package clearing

import (
	"fmt"
	"time"

	"github.com/ksred/lem-clearing/internal/types"
)

// TriggerPolicy decides whether an open window may be cleared now.
type TriggerPolicy interface {
	Ready(now time.Time, window *types.ClearingResult, bids, asks int) bool
	Name() string
}

// DeadlinePolicy allows clearing once the order deadline is reached.
type DeadlinePolicy struct{}

func (DeadlinePolicy) Ready(now time.Time, window *types.ClearingResult, _, _ int) bool {
	return !now.Before(window.Deadline)
}

func (DeadlinePolicy) Name() string { return "deadline" }

// QuorumPolicy also allows clearing before the deadline once both sides hold
// at least MinOrders open orders.
type QuorumPolicy struct {
	MinOrders int
}

func (p QuorumPolicy) Ready(now time.Time, window *types.ClearingResult, bids, asks int) bool {
	if !now.Before(window.Deadline) {
		return true
	}
	return p.MinOrders > 0 && bids >= p.MinOrders && asks >= p.MinOrders
}

func (p QuorumPolicy) Name() string { return "quorum" }

// ParseTriggerPolicy builds the policy named by configuration.
func ParseTriggerPolicy(name string, quorum int) (TriggerPolicy, error) {
	switch name {
	case "", "deadline":
		return DeadlinePolicy{}, nil
	case "quorum":
		if quorum <= 0 {
			return nil, fmt.Errorf("%w: quorum policy needs a positive order count", types.ErrConfig)
		}
		return QuorumPolicy{MinOrders: quorum}, nil
	default:
		return nil, fmt.Errorf("%w: unknown trigger policy %q", types.ErrConfig, name)
	}
}
