// Package pnl computes realized profit and loss by FIFO lot matching.
package pnl

import (
	"log"
	"sort"

	"tradesync-core/pkg/db"
)

// lot is an open buy position remainder.
type lot struct {
	qty   float64
	price float64
}

// Compute annotates sells with realized PnL and NetPnL by matching them
// against buy lots oldest-first, per symbol. Buys never carry PnL. A
// sell exceeding all open buy quantity is matched against whatever lots
// exist; the uncovered remainder carries a zero cost basis.
func Compute(trades []db.Trade) []db.Trade {
	bySymbol := make(map[string][]int)
	for i := range trades {
		bySymbol[trades[i].Symbol] = append(bySymbol[trades[i].Symbol], i)
	}

	for _, idxs := range bySymbol {
		sort.SliceStable(idxs, func(a, b int) bool {
			return trades[idxs[a]].ExecutedAt.Before(trades[idxs[b]].ExecutedAt)
		})

		var lots []lot
		var unmatched float64
		for _, i := range idxs {
			t := &trades[i]
			switch t.Side {
			case "buy":
				lots = append(lots, lot{qty: t.Quantity, price: t.Price})
			case "sell":
				costBasis := 0.0
				remaining := t.Quantity
				for remaining > 0 && len(lots) > 0 {
					l := &lots[0]
					matched := min(remaining, l.qty)
					costBasis += matched * l.price
					l.qty -= matched
					remaining -= matched
					if l.qty <= 0 {
						lots = lots[1:]
					}
				}
				unmatched += remaining
				pnl := t.Quantity*t.Price - costBasis
				netPnl := pnl - t.Fee
				t.PnL = &pnl
				t.NetPnL = &netPnl
			}
		}
		if unmatched > 0 && len(idxs) > 0 {
			log.Printf("[PnL] %s: %.8f sold without a matching buy lot, zero cost basis applied",
				trades[idxs[0]].Symbol, unmatched)
		}
	}
	return trades
}
