// Package session implements the per-connection ingress loop: nickname
// bootstrap, welcome priming, and BET/CASHOUT/BYE dispatch against the
// shared engine.
//
// Grounded on the original source's client_handler_thread, and on the
// teacher's ws/unified.go readPump — adapted from a JSON/websocket read
// loop to the fixed-record TCP loop the spec requires.
package session

import (
	"errors"
	"io"
	"log"
	"net"

	"crashrelay/engine"
	"crashrelay/eventlog"
	"crashrelay/protocol"
	"crashrelay/registry"
)

// Handle runs one player's session to completion: nickname, welcome,
// ingress loop, teardown. It always returns after the connection is closed,
// regardless of which branch ended the loop (EOF, error, or BYE) — teardown
// is unconditional and idempotent. The slot itself is reclaimed through
// eng.Disconnect rather than released here directly, since a slot with a
// live mid-FLIGHT bet must stay occupied for the engine's settlement loop
// instead of vanishing the instant the socket closes.
func Handle(conn net.Conn, slot *registry.Slot, eng *engine.Engine, elog *eventlog.Logger, nicknameMaxBytes int) {
	defer teardown(conn, slot, eng, elog)

	nickname, err := protocol.ReadNickname(conn, nicknameMaxBytes)
	if err != nil {
		return
	}
	slot.Nickname = nickname
	log.Printf("[session %d] nickname=%q connected", slot.ID, slot.Nickname)

	if err := eng.SendWelcome(slot); err != nil {
		return
	}

	for {
		rec, err := protocol.Read(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[session %d] read error: %v", slot.ID, err)
			}
			elog.Player("bye", slot.ID)
			return
		}

		switch rec.Type {
		case protocol.TagBet:
			eng.TryBet(slot, float64(rec.Value))

		case protocol.TagCashout:
			eng.TryCashout(slot)

		case protocol.TagBye:
			elog.Player("bye", slot.ID)
			log.Printf("[session %d] nickname=%q disconnected (bye)", slot.ID, slot.Nickname)
			return

		default:
			// Unknown tag: protocol violation, silently ignored.
		}
	}
}

func teardown(conn net.Conn, slot *registry.Slot, eng *engine.Engine, elog *eventlog.Logger) {
	conn.Close()
	eng.Disconnect(slot)
}
