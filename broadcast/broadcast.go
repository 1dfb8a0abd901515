// Package broadcast implements the two fan-out modes every round event
// uses: broadcast (all occupied slots) and targeted (one slot).
//
// Grounded on the original source's broadcast_message (iterate the player
// table under players_mutex, send to every live socket, keep going past a
// failed send) and on the teacher's ws/unified.go broadcastToSubscribers,
// adapted from a pub/sub channel fan-out to direct synchronous socket
// writes under the registry's lock.
package broadcast

import (
	"crashrelay/protocol"
	"crashrelay/registry"
)

// Broadcaster sends Records to the slots of a Registry.
type Broadcaster struct {
	reg *registry.Registry
}

// New builds a Broadcaster over reg.
func New(reg *registry.Registry) *Broadcaster {
	return &Broadcaster{reg: reg}
}

// All sends rec to every occupied slot. A slot whose write fails is marked
// for release; the remaining sends still happen. Held under the registry
// lock for the duration of the enumeration, the canonical choice spec.md
// §4.5 endorses and the one the original broadcast_message implements.
//
// A slot marked Disconnected is skipped rather than written to and marked
// failed on error: it's kept occupied on purpose so the round engine's
// EXPLODE-time settlement loop still sees it, and an ordinary broadcast
// must not reclaim it first.
func (b *Broadcaster) All(rec protocol.Record) {
	b.reg.WithOccupied(func(slots []*registry.Slot) {
		for _, s := range slots {
			if s.Disconnected {
				continue
			}
			if err := protocol.Write(s.Conn, rec); err != nil {
				b.reg.MarkFailed(s)
			}
		}
	})
}

// AllFiltered sends rec only to occupied slots for which keep returns true.
// Used for flight ticks, which go only to players who bet and haven't
// cashed out. Disconnected slots are skipped for the same reason as in All.
func (b *Broadcaster) AllFiltered(rec protocol.Record, keep func(s *registry.Slot) bool) {
	b.reg.WithOccupied(func(slots []*registry.Slot) {
		for _, s := range slots {
			if s.Disconnected || !keep(s) {
				continue
			}
			if err := protocol.Write(s.Conn, rec); err != nil {
				b.reg.MarkFailed(s)
			}
		}
	})
}

// Targeted sends rec to a single known slot. The caller already holds
// whatever lock is needed to make slot.Conn safe to use (the engine's
// game-state lock, in every call site in this repo).
func Targeted(slot *registry.Slot, rec protocol.Record) error {
	return protocol.Write(slot.Conn, rec)
}
