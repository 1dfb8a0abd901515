// Package server implements the listener: accept connections, admit or
// reject against capacity, assign a slot, and detach a session handler per
// connection.
//
// Grounded on the original source's main() accept loop (address-family
// selection, SO_REUSEADDR, listen backlog = capacity, reject-when-full) and
// on the teacher's main.go graceful-shutdown wiring.
package server

import (
	"context"
	"fmt"
	"log"
	"net"

	"crashrelay/config"
	"crashrelay/engine"
	"crashrelay/eventlog"
	"crashrelay/protocol"
	"crashrelay/registry"
	"crashrelay/session"
)

// Family selects the IP address family to bind, mirroring the original
// CLI's "v4|v6" argument.
type Family string

const (
	FamilyV4 Family = "v4"
	FamilyV6 Family = "v6"
)

// Network returns the net.Listen network name for the family.
func (f Family) Network() string {
	if f == FamilyV6 {
		return "tcp6"
	}
	return "tcp4"
}

// Listener owns the bound socket, the player registry and the round
// engine, and spawns one detached session per accepted connection.
type Listener struct {
	ln   net.Listener
	reg  *registry.Registry
	eng  *engine.Engine
	elog *eventlog.Logger
	cfg  config.Config
}

// Listen binds port on all addresses of the given family. The listen
// backlog is the one Go's net package picks; it is not set to the
// registry's capacity. Go's net package already enables address reuse
// (SO_REUSEADDR-equivalent) on listening TCP sockets on every platform this
// repository targets, so no explicit socket-option plumbing is needed the
// way the original C source required.
func Listen(family Family, port string, reg *registry.Registry, eng *engine.Engine, elog *eventlog.Logger, cfg config.Config) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), family.Network(), fmt.Sprintf(":%s", port))
	if err != nil {
		return nil, fmt.Errorf("server: listen %s :%s: %w", family.Network(), port, err)
	}
	return &Listener{ln: ln, reg: reg, eng: eng, elog: elog, cfg: cfg}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections until ctx is cancelled or Close is called, and
// spawns a detached session.Handle goroutine for each admitted connection.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		slot, ok := l.reg.Acquire(conn)
		if !ok {
			log.Printf("[listener] Max players reached. Connection from %s rejected.", conn.RemoteAddr())
			conn.Close()
			continue
		}

		log.Printf("[listener] connection from %s, assigned player_id: %d", conn.RemoteAddr(), slot.ID)
		go session.Handle(conn, slot, l.eng, l.elog, l.cfg.NicknameMaxBytes)
	}
}

// Shutdown broadcasts a server-originated "bye" (player_id=-1, the
// reserved shutdown sentinel from the closed tag namespace) to every
// connected client before closing the listener.
func (l *Listener) Shutdown() {
	l.reg.WithOccupied(func(slots []*registry.Slot) {
		for _, s := range slots {
			_ = protocol.Write(s.Conn, protocol.Record{
				PlayerID:     protocol.BroadcastPlayerID,
				Value:        -1,
				Type:         protocol.TagBye,
				PlayerProfit: -1,
				HouseProfit:  -1,
			})
		}
	})
	l.ln.Close()
}
