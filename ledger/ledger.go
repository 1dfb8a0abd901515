// Package ledger implements the zero-sum profit arithmetic between players
// and the house, grounded on the bet/cashout/explode arithmetic in the
// original source's game_thread and client_handler_thread.
//
// Every mutation here assumes the caller already holds the engine's
// game-state lock — the same lock that guards the registry.Slot round
// fields a Ledger method mutates — so no method here takes its own lock.
package ledger

import "crashrelay/registry"

// Ledger tracks the house's running net profit. Per-player profit lives on
// the registry.Slot itself; Ledger only ever mutates house_profit and the
// player fields together, so the zero-sum invariant is a local property of
// each method here.
type Ledger struct {
	HouseProfit float64
}

// SettleCashout converts a player's stake into stake×multiplier, crediting
// the player and debiting the house by the same amount, and returns the
// winnings. Caller must have already confirmed phase=FLIGHT, HasBet and
// !HasCashedOut.
func (l *Ledger) SettleCashout(slot *registry.Slot, multiplier float64) (winnings float64) {
	winnings = slot.BetValue * multiplier
	delta := winnings - slot.BetValue
	slot.CurrentProfit += delta
	l.HouseProfit -= delta
	slot.HasCashedOut = true
	return winnings
}

// SettleExplosion debits a losing player's stake to the house. Caller must
// have already confirmed HasBet and !HasCashedOut.
func (l *Ledger) SettleExplosion(slot *registry.Slot) {
	slot.CurrentProfit -= slot.BetValue
	l.HouseProfit += slot.BetValue
}
