package domain

import (
	"sort"
	"time"
)

// OrderBook es la vista agregada de las órdenes límite abiertas de un pool.
// Las YES son bids y las NO asks, ambas en probabilidad YES.
type OrderBook struct {
	AnswerID string
	Bids     []BookEntry // ordenados mayor a menor probabilidad
	Asks     []BookEntry // ordenados menor a mayor probabilidad
}

// BookEntry es un nivel de probabilidad con el monto abierto a ese nivel.
type BookEntry struct {
	Price float64
	Size  float64
}

// BuildOrderBook agrega las órdenes abiertas de answerID por nivel.
func BuildOrderBook(answerID string, bets []LimitBet, now time.Time) OrderBook {
	bids := make(map[float64]float64)
	asks := make(map[float64]float64)
	for _, b := range bets {
		if b.AnswerID != answerID || !b.Open(now) {
			continue
		}
		if b.Outcome == OutcomeYes {
			bids[b.LimitProb] += b.Remaining()
		} else {
			asks[b.LimitProb] += b.Remaining()
		}
	}
	ob := OrderBook{AnswerID: answerID}
	for p, s := range bids {
		ob.Bids = append(ob.Bids, BookEntry{Price: p, Size: s})
	}
	for p, s := range asks {
		ob.Asks = append(ob.Asks, BookEntry{Price: p, Size: s})
	}
	sort.Slice(ob.Bids, func(i, j int) bool { return ob.Bids[i].Price > ob.Bids[j].Price })
	sort.Slice(ob.Asks, func(i, j int) bool { return ob.Asks[i].Price < ob.Asks[j].Price })
	return ob
}

// BestBid devuelve el mejor precio de compra (mayor bid).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk devuelve el mejor precio de venta (menor ask).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Midpoint devuelve el punto medio entre best bid y best ask.
func (ob OrderBook) Midpoint() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread devuelve el spread del book (ask - bid).
func (ob OrderBook) Spread() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// DepthWithin suma el monto abierto a no más de maxSpread de prob.
func (ob OrderBook) DepthWithin(prob, maxSpread float64) float64 {
	var total float64
	for _, b := range ob.Bids {
		if prob-b.Price <= maxSpread {
			total += b.Size
		}
	}
	for _, a := range ob.Asks {
		if a.Price-prob <= maxSpread {
			total += a.Size
		}
	}
	return total
}
