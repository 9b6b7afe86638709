// Package sorting ranks the bids and offers of a clearing window.
//
// Bids are ranked by descending price, offers by ascending price. Equal prices
// are ordered by ascending submission sequence, then by order id, then by the
// position in the input, so the ranking is total and every validator derives
// the same sequence from the same order set. Rank is pure: it never mutates
// its input and keeps no state between calls.
package sorting

import (
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/tidwall/btree"
)

// InsertionThreshold is the largest input ranked with insertion sort. Small
// windows are the common case and insertion sort keeps the per-call cost low;
// above it a btree keeps ranking O(n log n). Both produce the same order.
const InsertionThreshold = 16

type ranked struct {
	order *types.Order
	index int
}

// Less reports whether a ranks before b on the given side.
func Less(side types.Side, a, b *types.Order) bool {
	if a.Price != b.Price {
		if side == types.Buy {
			return a.Price > b.Price
		}
		return a.Price < b.Price
	}
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	return a.OrderID < b.OrderID
}

func lessRanked(side types.Side) func(a, b ranked) bool {
	return func(a, b ranked) bool {
		if Less(side, a.order, b.order) {
			return true
		}
		if Less(side, b.order, a.order) {
			return false
		}
		return a.index < b.index
	}
}

// Rank returns a new slice holding orders in rank order for side.
func Rank(side types.Side, orders []types.Order) []types.Order {
	if len(orders) <= InsertionThreshold {
		return insertionRank(side, orders)
	}
	return treeRank(side, orders)
}

// RankBids ranks buy orders, best (highest) price first.
func RankBids(orders []types.Order) []types.Order {
	return Rank(types.Buy, orders)
}

// RankAsks ranks sell orders, best (lowest) price first.
func RankAsks(orders []types.Order) []types.Order {
	return Rank(types.Sell, orders)
}

// IsRanked reports whether orders is already in rank order for side.
func IsRanked(side types.Side, orders []types.Order) bool {
	for i := 1; i < len(orders); i++ {
		if Less(side, &orders[i], &orders[i-1]) {
			return false
		}
	}
	return true
}

func insertionRank(side types.Side, orders []types.Order) []types.Order {
	out := make([]types.Order, len(orders))
	copy(out, orders)
	// Stable: an element only moves past strictly greater elements, which
	// preserves input order for full duplicates.
	for i := 1; i < len(out); i++ {
		cur := out[i]
		j := i - 1
		for j >= 0 && Less(side, &cur, &out[j]) {
			out[j+1] = out[j]
			j--
		}
		out[j+1] = cur
	}
	return out
}

func treeRank(side types.Side, orders []types.Order) []types.Order {
	tree := btree.NewBTreeGOptions(lessRanked(side), btree.Options{NoLocks: true})
	for i := range orders {
		tree.Set(ranked{order: &orders[i], index: i})
	}
	out := make([]types.Order, 0, len(orders))
	tree.Scan(func(r ranked) bool {
		out = append(out, *r.order)
		return true
	})
	return out
}
