// Package engine implements the round-based BETTING → FLIGHT → PAUSE state
// machine: the single background worker that owns every round-scoped
// mutation, and the entry points a session handler calls to propose BET and
// CASHOUT intents under the same lock.
//
// Grounded on the original source's game_thread/client_handler_thread pair:
// one lock (here, Engine.mu) guards phase, the multipliers, house profit
// and every player slot's round flags; the registry's own lock nests inside
// it whenever both are needed, never the other way around.
package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"crashrelay/config"
	"crashrelay/eventlog"
	"crashrelay/fairness"
	"crashrelay/ledger"
	"crashrelay/protocol"
	"crashrelay/registry"

	"crashrelay/broadcast"

	"sync"
)

// Engine drives the round state machine for the lifetime of the process.
type Engine struct {
	mu sync.Mutex // the game-state lock

	cfg     config.Config
	reg     *registry.Registry
	ledger  *ledger.Ledger
	formula Formula
	elog    *eventlog.Logger
	bx      *broadcast.Broadcaster

	phase               Phase
	roundID             int64
	currentMultiplier   float64
	explosionMultiplier float64

	lastSeed     string
	lastSeedHash string
	lastTraceID  string
}

// New builds an Engine. formula may be nil, in which case DefaultFormula is
// used.
func New(cfg config.Config, reg *registry.Registry, led *ledger.Ledger, formula Formula, elog *eventlog.Logger) *Engine {
	if formula == nil {
		formula = DefaultFormula
	}
	return &Engine{
		cfg:     cfg,
		reg:     reg,
		ledger:  led,
		formula: formula,
		elog:    elog,
		bx:      broadcast.New(reg),
		phase:   PhaseBetting,
	}
}

// Run drives rounds back to back until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for ctx.Err() == nil {
		e.enterBetting()
		if !e.bettingCountdown(ctx) {
			return
		}
		e.enterFlight()
		if !e.flightLoop(ctx) {
			return
		}
		e.explode()
		if !sleepCtx(ctx, e.cfg.PauseDuration) {
			return
		}
	}
}

// Snapshot returns a point-in-time copy of round state for tests and
// diagnostics.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		RoundID:             e.roundID,
		Phase:               e.phase,
		CurrentMultiplier:   e.currentMultiplier,
		ExplosionMultiplier: e.explosionMultiplier,
		HouseProfit:         e.ledger.HouseProfit,
	}
}

// enterBetting resets the round: phase, multipliers, round id, every
// occupied slot's round flags, then broadcasts "start".
func (e *Engine) enterBetting() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastSeed, e.lastSeedHash = fairness.GenerateServerSeed()
	e.lastTraceID = uuid.NewString()

	e.phase = PhaseBetting
	e.currentMultiplier = e.cfg.StartingMultiplier
	e.explosionMultiplier = 0
	e.roundID++

	e.reg.WithOccupied(func(slots []*registry.Slot) {
		for _, s := range slots {
			s.BetValue = 0
			s.HasBet = false
			s.HasCashedOut = false
			s.Disconnected = false
		}
	})

	e.elog.Broadcast("start",
		eventlog.N("round", int(e.roundID)),
		eventlog.F("house_profit", e.ledger.HouseProfit))
	log.Printf("[round %d] trace=%s seed_hash=%s betting window open", e.roundID, e.lastTraceID, e.lastSeedHash)

	e.bx.All(protocol.Record{
		PlayerID:     protocol.BroadcastPlayerID,
		Value:        float32(e.cfg.BettingSeconds),
		Type:         protocol.TagStart,
		PlayerProfit: -1,
		HouseProfit:  float32(e.ledger.HouseProfit),
	})
}

// bettingCountdown ticks time_remaining down to 0, one decrement per
// BettingTickInterval. Returns false if ctx was cancelled mid-countdown.
func (e *Engine) bettingCountdown(ctx context.Context) bool {
	for remaining := e.cfg.BettingSeconds; remaining >= 0; remaining-- {
		e.reg.SetTimeRemaining(remaining)
		if remaining == 0 {
			break
		}
		if !sleepCtx(ctx, e.cfg.BettingTickInterval) {
			return false
		}
	}
	return true
}

// enterFlight computes the explosion multiplier from every bettor's stake
// and broadcasts "closed".
func (e *Engine) enterFlight() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.phase = PhaseFlight

	n := 0
	var total float64
	e.reg.WithOccupied(func(slots []*registry.Slot) {
		for _, s := range slots {
			if s.HasBet {
				n++
				total += s.BetValue
			}
		}
	})

	e.explosionMultiplier = e.formula(n, total)

	e.elog.Broadcast("closed",
		eventlog.N("N", n),
		eventlog.F("V", total),
		eventlog.F("me", e.explosionMultiplier))

	e.bx.All(protocol.Record{
		PlayerID:     protocol.BroadcastPlayerID,
		Value:        -1,
		Type:         protocol.TagClosed,
		PlayerProfit: -1,
		HouseProfit:  float32(e.ledger.HouseProfit),
	})
}

// flightLoop increments current_multiplier every MultiplierTickInterval,
// clamping to explosion_multiplier, sending "multiplier" only to players
// who bet and haven't cashed out. Returns false if ctx was cancelled.
func (e *Engine) flightLoop(ctx context.Context) bool {
	for {
		e.mu.Lock()
		e.currentMultiplier += e.cfg.MultiplierIncrement
		done := e.currentMultiplier >= e.explosionMultiplier
		if done {
			e.currentMultiplier = e.explosionMultiplier
		}
		rec := protocol.Record{
			PlayerID:     protocol.BroadcastPlayerID,
			Value:        float32(e.currentMultiplier),
			Type:         protocol.TagMultiplier,
			PlayerProfit: -1,
			HouseProfit:  float32(e.ledger.HouseProfit),
		}

		e.bx.AllFiltered(rec, func(s *registry.Slot) bool {
			return s.HasBet && !s.HasCashedOut
		})
		e.elog.Broadcast("multiplier", eventlog.F("m", e.currentMultiplier))
		e.mu.Unlock()

		if done {
			return true
		}
		if !sleepCtx(ctx, e.cfg.MultiplierTickInterval) {
			return false
		}
	}
}

// explode fires "explode", then settles every bettor who never cashed out,
// debiting their stake to the house and sending each a targeted "profit".
func (e *Engine) explode() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.phase = PhasePause

	e.elog.Broadcast("explode", eventlog.F("me", e.explosionMultiplier))
	e.bx.All(protocol.Record{
		PlayerID:     protocol.BroadcastPlayerID,
		Value:        float32(e.explosionMultiplier),
		Type:         protocol.TagExplode,
		PlayerProfit: -1,
		HouseProfit:  float32(e.ledger.HouseProfit),
	})

	e.reg.WithOccupied(func(slots []*registry.Slot) {
		for _, s := range slots {
			if !s.HasBet || s.HasCashedOut {
				continue
			}
			e.ledger.SettleExplosion(s)
			e.elog.Player("profit", s.ID, eventlog.F("player_profit", s.CurrentProfit))

			if s.Disconnected {
				// Already gone; settled above like any other non-cashed-out
				// bettor, but there is no socket left to notify. Reclaim
				// the slot now that it's settled.
				e.reg.MarkFailed(s)
				continue
			}

			rec := protocol.Record{
				PlayerID:     int32(s.ID),
				Value:        -1,
				Type:         protocol.TagProfit,
				PlayerProfit: float32(s.CurrentProfit),
				HouseProfit:  float32(e.ledger.HouseProfit),
			}
			if err := broadcast.Targeted(s, rec); err != nil {
				e.reg.MarkFailed(s)
			}
		}
	})
}

// Disconnect handles a session's connection dropping. A slot with no live,
// unsettled bet is reclaimed immediately. A slot that disconnects mid-FLIGHT
// with has_bet and not yet cashed out is left occupied and marked
// Disconnected instead: ordinary broadcasts skip it, and the next explode()
// settles its stake to the house and reclaims it exactly the way it settles
// any other non-cashed-out bettor, so the stake is transferred exactly once
// regardless of when the client went away.
func (e *Engine) Disconnect(slot *registry.Slot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == PhaseFlight && slot.HasBet && !slot.HasCashedOut {
		slot.Disconnected = true
		return
	}
	e.reg.Release(slot)
}

// TryBet applies a BET intent if and only if phase=BETTING, the slot
// hasn't already bet this round, and amount is positive. Off-phase or
// invalid bets are silently ignored, per spec.
func (e *Engine) TryBet(slot *registry.Slot, amount float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseBetting || slot.HasBet || amount <= 0 {
		return false
	}
	slot.BetValue = amount
	slot.HasBet = true
	e.elog.Player("bet", slot.ID, eventlog.F("bet", amount))
	return true
}

// TryCashout applies a CASHOUT intent if and only if phase=FLIGHT, the
// slot has bet and hasn't already cashed out. On success it sends the
// targeted "payout" record itself, from inside the lock — the same
// discipline the original source uses to keep a flight tick broadcast and
// a cashout payout from interleaving on one connection without a separate
// per-connection write mutex.
func (e *Engine) TryCashout(slot *registry.Slot) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseFlight || !slot.HasBet || slot.HasCashedOut {
		return false
	}

	winnings := e.ledger.SettleCashout(slot, e.currentMultiplier)
	e.elog.Player("cashout", slot.ID, eventlog.F("m", e.currentMultiplier))
	e.elog.Player("payout", slot.ID, eventlog.F("payout", winnings))
	e.elog.Player("profit", slot.ID, eventlog.F("player_profit", slot.CurrentProfit))

	rec := protocol.Record{
		PlayerID:     int32(slot.ID),
		Value:        float32(e.currentMultiplier),
		Type:         protocol.TagPayout,
		PlayerProfit: float32(slot.CurrentProfit),
		HouseProfit:  float32(e.ledger.HouseProfit),
	}
	if err := broadcast.Targeted(slot, rec); err != nil {
		e.reg.Release(slot)
	}
	return true
}

// SendWelcome primes a newly connected client with a single phase-priming
// message: "start" with the live time_remaining if BETTING is still open,
// otherwise "closed". Sent from inside the game-state lock, matching the
// original source's client_handler_thread.
func (e *Engine) SendWelcome(slot *registry.Slot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rec protocol.Record
	switch e.phase {
	case PhaseBetting:
		rec = protocol.Record{
			PlayerID:     protocol.BroadcastPlayerID,
			Value:        float32(e.reg.TimeRemaining()),
			Type:         protocol.TagStart,
			PlayerProfit: float32(slot.CurrentProfit),
			HouseProfit:  float32(e.ledger.HouseProfit),
		}
	default: // FLIGHT or PAUSE: prime with "closed"
		rec = protocol.Record{
			PlayerID:     protocol.BroadcastPlayerID,
			Value:        -1,
			Type:         protocol.TagClosed,
			PlayerProfit: float32(slot.CurrentProfit),
			HouseProfit:  float32(e.ledger.HouseProfit),
		}
	}
	return broadcast.Targeted(slot, rec)
}

// sleepCtx sleeps for d or returns early (with false) if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
