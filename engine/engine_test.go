package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashrelay/config"
	"crashrelay/eventlog"
	"crashrelay/ledger"
	"crashrelay/protocol"
	"crashrelay/registry"
)

// drain continuously discards records arriving on conn until it errors
// (typically because the test closes the pipe), the way a real client
// socket would be serviced by a goroutine the test doesn't care about.
func drain(conn net.Conn) {
	go func() {
		for {
			if _, err := protocol.Read(conn); err != nil {
				return
			}
		}
	}()
}

func newTestSlot(t *testing.T, reg *registry.Registry) (*registry.Slot, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close(); local.Close() })
	slot, ok := reg.Acquire(local)
	require.True(t, ok)
	return slot, remote
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.MultiplierIncrement = 0.01
	cfg.MultiplierTickInterval = time.Millisecond
	cfg.StartingMultiplier = 1.00
	cfg.BettingSeconds = 0
	cfg.BettingTickInterval = time.Millisecond
	cfg.PauseDuration = time.Millisecond
	return cfg
}

func TestTryBetAcceptedOnlyDuringBetting(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)
	drain(remote)

	eng := New(fastConfig(), reg, &ledger.Ledger{}, nil, eventlog.New())
	eng.phase = PhaseFlight

	assert.False(t, eng.TryBet(slot, 10))
	assert.False(t, slot.HasBet)
}

func TestTryBetRejectsDuplicateAndNonPositiveAmounts(t *testing.T) {
	reg := registry.New(2)
	slot, remote := newTestSlot(t, reg)
	drain(remote)

	eng := New(fastConfig(), reg, &ledger.Ledger{}, nil, eventlog.New())

	assert.True(t, eng.TryBet(slot, 10))
	assert.Equal(t, 10.0, slot.BetValue)

	assert.False(t, eng.TryBet(slot, 5), "second bet in the same round must be rejected")
	assert.Equal(t, 10.0, slot.BetValue, "the rejected bet must not overwrite the accepted one")

	slot2, remote2 := newTestSlot(t, reg)
	drain(remote2)
	assert.False(t, eng.TryBet(slot2, 0))
	assert.False(t, eng.TryBet(slot2, -1))
}

func TestTryCashoutSucceedsDuringFlightAndSendsPayout(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)

	led := &ledger.Ledger{}
	eng := New(fastConfig(), reg, led, nil, eventlog.New())
	eng.phase = PhaseFlight
	eng.currentMultiplier = 2.0
	slot.HasBet = true
	slot.BetValue = 10

	resultCh := make(chan bool, 1)
	go func() { resultCh <- eng.TryCashout(slot) }()

	rec, err := protocol.Read(remote)
	require.NoError(t, err)
	require.True(t, <-resultCh)

	assert.Equal(t, protocol.TagPayout, rec.Type)
	assert.InDelta(t, 2.0, rec.Value, 1e-6)
	assert.True(t, slot.HasCashedOut)
	assert.InDelta(t, 10.0, slot.CurrentProfit, 1e-6)
	assert.InDelta(t, -10.0, led.HouseProfit, 1e-6)
	assert.InDelta(t, 0, slot.CurrentProfit+led.HouseProfit, 1e-6)
}

func TestTryCashoutRejectsOutsideFlightOrTwice(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)
	drain(remote)

	eng := New(fastConfig(), reg, &ledger.Ledger{}, nil, eventlog.New())
	slot.HasBet = true

	assert.False(t, eng.TryCashout(slot), "phase is still BETTING")

	eng.phase = PhaseFlight
	slot.HasCashedOut = true
	assert.False(t, eng.TryCashout(slot), "already cashed out this round")
}

func TestSendWelcomeDuringBettingCarriesTimeRemaining(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)
	reg.SetTimeRemaining(7)

	eng := New(fastConfig(), reg, &ledger.Ledger{}, nil, eventlog.New())

	errCh := make(chan error, 1)
	go func() { errCh <- eng.SendWelcome(slot) }()

	rec, err := protocol.Read(remote)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, protocol.TagStart, rec.Type)
	assert.Equal(t, float32(7), rec.Value)
}

func TestSendWelcomeDuringFlightSendsClosed(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)

	eng := New(fastConfig(), reg, &ledger.Ledger{}, nil, eventlog.New())
	eng.phase = PhaseFlight

	errCh := make(chan error, 1)
	go func() { errCh <- eng.SendWelcome(slot) }()

	rec, err := protocol.Read(remote)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, protocol.TagClosed, rec.Type)
}

// TestSingleBettorWinsByCashingOutBeforeExplosion covers the "single player
// wins" scenario: a lone bettor cashes out mid-flight, strictly before the
// round's explosion multiplier is reached.
func TestSingleBettorWinsByCashingOutBeforeExplosion(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)
	drain(remote)

	led := &ledger.Ledger{}
	eng := New(fastConfig(), reg, led, nil, eventlog.New())

	eng.enterBetting()
	require.True(t, eng.TryBet(slot, 10))
	eng.enterFlight()
	require.Greater(t, eng.explosionMultiplier, 1.0)

	doneCh := make(chan bool, 1)
	go func() { doneCh <- eng.flightLoop(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.True(t, eng.TryCashout(slot))
	require.True(t, <-doneCh)

	assert.True(t, slot.HasCashedOut)
	assert.Greater(t, slot.CurrentProfit, 0.0)
	assert.InDelta(t, 0, slot.CurrentProfit+led.HouseProfit, 1e-6)
}

// TestSingleBettorLosesToExplosion covers the "single player loses"
// scenario: a lone bettor never cashes out, and explode() settles their
// stake to the house.
func TestSingleBettorLosesToExplosion(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)
	drain(remote)

	led := &ledger.Ledger{}
	eng := New(fastConfig(), reg, led, nil, eventlog.New())

	eng.enterBetting()
	require.True(t, eng.TryBet(slot, 10))
	eng.enterFlight()

	require.True(t, eng.flightLoop(context.Background()))
	eng.explode()

	assert.False(t, slot.HasCashedOut)
	assert.InDelta(t, -10.0, slot.CurrentProfit, 1e-6)
	assert.InDelta(t, 10.0, led.HouseProfit, 1e-6)
	assert.InDelta(t, 0, slot.CurrentProfit+led.HouseProfit, 1e-6)
}

// TestTwoBettorsOneWinsOneLoses covers the mixed-outcome scenario and
// checks the zero-sum invariant across both settlements.
func TestTwoBettorsOneWinsOneLoses(t *testing.T) {
	reg := registry.New(2)
	winner, winnerRemote := newTestSlot(t, reg)
	loser, loserRemote := newTestSlot(t, reg)
	drain(winnerRemote)
	drain(loserRemote)

	led := &ledger.Ledger{}
	eng := New(fastConfig(), reg, led, nil, eventlog.New())

	eng.enterBetting()
	require.True(t, eng.TryBet(winner, 10))
	require.True(t, eng.TryBet(loser, 20))
	eng.enterFlight()

	doneCh := make(chan bool, 1)
	go func() { doneCh <- eng.flightLoop(context.Background()) }()

	time.Sleep(5 * time.Millisecond)
	require.True(t, eng.TryCashout(winner))
	require.True(t, <-doneCh)

	eng.explode()

	assert.True(t, winner.HasCashedOut)
	assert.Greater(t, winner.CurrentProfit, 0.0)
	assert.False(t, loser.HasCashedOut)
	assert.InDelta(t, -20.0, loser.CurrentProfit, 1e-6)
	assert.InDelta(t, 0, winner.CurrentProfit+loser.CurrentProfit+led.HouseProfit, 1e-6)
}

// TestRoundWithNoBettorsExplodesImmediatelyAndSettlesNobody covers the
// "no bets placed" scenario: the explosion multiplier collapses to the
// starting multiplier and no slot is touched by explode().
func TestRoundWithNoBettorsExplodesImmediatelyAndSettlesNobody(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)
	drain(remote)

	led := &ledger.Ledger{}
	eng := New(fastConfig(), reg, led, nil, eventlog.New())

	eng.enterBetting()
	eng.enterFlight()
	assert.Equal(t, 1.00, eng.explosionMultiplier)

	require.True(t, eng.flightLoop(context.Background()))
	eng.explode()

	assert.Equal(t, 0.0, slot.CurrentProfit)
	assert.Equal(t, 0.0, led.HouseProfit)
}

// TestLateJoinerDuringFlightCannotBet covers the "late join" scenario: a
// player who connects after BETTING has closed can never place a bet in
// the round already in progress.
func TestLateJoinerDuringFlightCannotBet(t *testing.T) {
	reg := registry.New(2)
	existing, existingRemote := newTestSlot(t, reg)
	drain(existingRemote)

	led := &ledger.Ledger{}
	eng := New(fastConfig(), reg, led, nil, eventlog.New())

	eng.enterBetting()
	require.True(t, eng.TryBet(existing, 10))
	eng.enterFlight()

	latecomer, lateRemote := newTestSlot(t, reg)
	drain(lateRemote)

	assert.False(t, eng.TryBet(latecomer, 50))
	assert.False(t, latecomer.HasBet)
}

// TestCapacityRejectsConnectionBeyondLimit covers the "capacity reject"
// scenario at the registry boundary the listener enforces.
func TestCapacityRejectsConnectionBeyondLimit(t *testing.T) {
	reg := registry.New(1)
	_, ok := reg.Acquire(new(net.TCPConn))
	require.True(t, ok)

	_, ok = reg.Acquire(new(net.TCPConn))
	assert.False(t, ok, "a full registry must refuse a second connection")
}

// TestCashedOutPlayerReceivesNoSecondProfitAtExplosion asserts that a
// winner's EXPLODE-time settlement never touches a slot that already
// cashed out mid-flight: no second "profit" message, no further ledger
// mutation on top of the one the cashout already applied.
func TestCashedOutPlayerReceivesNoSecondProfitAtExplosion(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)

	led := &ledger.Ledger{}
	eng := New(fastConfig(), reg, led, nil, eventlog.New())
	eng.phase = PhaseFlight
	eng.currentMultiplier = 2.0
	slot.HasBet = true
	slot.BetValue = 10

	resultCh := make(chan bool, 1)
	go func() { resultCh <- eng.TryCashout(slot) }()
	_, err := protocol.Read(remote)
	require.NoError(t, err)
	require.True(t, <-resultCh)

	profitAfterCashout := slot.CurrentProfit
	houseAfterCashout := led.HouseProfit

	// explode() broadcasts "explode" to every connected slot, so exactly one
	// record is read here. If explode() then tried to send this slot a
	// "profit" message as well, that write would block forever on the
	// unread pipe and this test would time out, proving the assertion by
	// construction.
	explodeCh := make(chan protocol.Tag, 1)
	go func() {
		rec, _ := protocol.Read(remote)
		explodeCh <- rec.Type
	}()
	eng.explode()
	assert.Equal(t, protocol.TagExplode, <-explodeCh)

	assert.Equal(t, profitAfterCashout, slot.CurrentProfit, "explode must not re-settle a cashed-out slot")
	assert.Equal(t, houseAfterCashout, led.HouseProfit, "explode must not touch house profit for a cashed-out slot")
}

// TestDisconnectMidFlightSettlesExactlyOnceAtExplode covers the
// settle-then-release policy: a slot that disconnects during FLIGHT with a
// live, uncashed bet must stay occupied and excluded from ordinary
// broadcasts until the next explode() settles it to the house and reclaims
// it, so the stake is transferred exactly once regardless of when the
// client went away.
func TestDisconnectMidFlightSettlesExactlyOnceAtExplode(t *testing.T) {
	reg := registry.New(1)
	slot, remote := newTestSlot(t, reg)
	defer remote.Close()

	led := &ledger.Ledger{}
	eng := New(fastConfig(), reg, led, nil, eventlog.New())
	eng.phase = PhaseFlight
	slot.HasBet = true
	slot.BetValue = 10

	eng.Disconnect(slot)

	assert.True(t, slot.Disconnected, "a mid-FLIGHT disconnect with a live bet must be marked, not released")
	assert.Equal(t, 1, reg.Count(), "the slot must stay occupied for the settlement loop to find it")

	// A flight tick must skip the disconnected slot rather than attempt a
	// write: if it tried, the write would block forever on the unread pipe
	// and this test would time out.
	eng.bx.AllFiltered(protocol.Record{Type: protocol.TagMultiplier}, func(s *registry.Slot) bool {
		return s.HasBet && !s.HasCashedOut
	})

	eng.explode()

	assert.InDelta(t, -10.0, slot.CurrentProfit, 1e-6, "the stake must still be debited to the house")
	assert.InDelta(t, 10.0, led.HouseProfit, 1e-6)
	assert.Equal(t, 0, reg.Count(), "explode must reclaim the slot once it has settled")
}

// TestDisconnectOutsideFlightReleasesImmediately covers the remaining
// disconnect paths, where there is no unsettled bet to protect: BETTING
// phase (stake not yet committed) and a FLIGHT-phase disconnect after the
// player already cashed out. Both release the slot right away.
func TestDisconnectOutsideFlightReleasesImmediately(t *testing.T) {
	reg := registry.New(2)
	bettingSlot, bettingRemote := newTestSlot(t, reg)
	cashedOutSlot, cashedOutRemote := newTestSlot(t, reg)
	defer bettingRemote.Close()
	defer cashedOutRemote.Close()

	eng := New(fastConfig(), reg, &ledger.Ledger{}, nil, eventlog.New())

	eng.phase = PhaseBetting
	bettingSlot.HasBet = true
	bettingSlot.BetValue = 10
	eng.Disconnect(bettingSlot)
	assert.False(t, bettingSlot.Disconnected)

	eng.phase = PhaseFlight
	cashedOutSlot.HasBet = true
	cashedOutSlot.HasCashedOut = true
	eng.Disconnect(cashedOutSlot)
	assert.False(t, cashedOutSlot.Disconnected)

	assert.Equal(t, 0, reg.Count(), "neither slot has a live bet to protect, so both release immediately")
}

// TestRunProducesSuccessiveRoundsAndStopsOnCancellation drives the full
// BETTING -> FLIGHT -> PAUSE cycle through Run with no connected players,
// verifying the engine advances the round counter and exits cleanly when
// its context is cancelled.
func TestRunProducesSuccessiveRoundsAndStopsOnCancellation(t *testing.T) {
	reg := registry.New(1)
	eng := New(fastConfig(), reg, &ledger.Ledger{}, nil, eventlog.New())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its context was cancelled")
	}

	assert.GreaterOrEqual(t, eng.Snapshot().RoundID, int64(2))
}
