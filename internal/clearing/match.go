package clearing

import (
	"fmt"

	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/types"
)

// PricingRule selects the single price every trade of a window settles at.
type PricingRule string

const (
	// PriceLastAsk uses the price of the last ask accepted by the walk.
	PriceLastAsk PricingRule = "last_ask"
	// PriceMidpoint uses the mean of the last matched bid and ask, rounded down.
	PriceMidpoint PricingRule = "midpoint"
)

func ParsePricingRule(name string) (PricingRule, error) {
	switch rule := PricingRule(name); rule {
	case PriceLastAsk, PriceMidpoint:
		return rule, nil
	case "":
		return PriceLastAsk, nil
	default:
		return "", fmt.Errorf("%w: unknown pricing rule %q", types.ErrConfig, name)
	}
}

// Match pairs the bid at Bids[BidIndex] with the ask at Asks[AskIndex].
type Match struct {
	BidIndex int
	AskIndex int
	Quantity int64
}

type MatchResult struct {
	Matches       []Match
	ClearingPrice *lib.Fixed
	TotalQuantity int64
}

// Walk matches ranked bids against ranked asks. bids must be ranked by
// descending price and asks by ascending price. Remaining is decremented on
// the given orders; orders with nothing remaining are skipped.
func Walk(bids, asks []types.Order, rule PricingRule) (*MatchResult, error) {
	result := &MatchResult{}

	var lastBid, lastAsk lib.Fixed
	i, j := 0, 0
	for {
		for i < len(bids) && bids[i].Remaining <= 0 {
			i++
		}
		for j < len(asks) && asks[j].Remaining <= 0 {
			j++
		}
		if i >= len(bids) || j >= len(asks) {
			break
		}
		bid, ask := &bids[i], &asks[j]
		if bid.Price < ask.Price {
			break
		}

		qty := bid.Remaining
		if ask.Remaining < qty {
			qty = ask.Remaining
		}
		total, err := lib.AddQuantity(result.TotalQuantity, qty)
		if err != nil {
			return nil, fmt.Errorf("matched quantity: %w", err)
		}
		result.TotalQuantity = total
		result.Matches = append(result.Matches, Match{BidIndex: i, AskIndex: j, Quantity: qty})

		bid.Remaining -= qty
		ask.Remaining -= qty
		lastBid, lastAsk = bid.Price, ask.Price
	}

	if len(result.Matches) == 0 {
		return result, nil
	}

	price := lastAsk
	if rule == PriceMidpoint {
		mid, err := lib.Midpoint(lastBid, lastAsk)
		if err != nil {
			return nil, fmt.Errorf("clearing price: %w", err)
		}
		price = mid
	}
	result.ClearingPrice = &price
	return result, nil
}
