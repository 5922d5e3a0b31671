package server

import (
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Peer is one live socket. gorilla/websocket allows a single concurrent
// writer, and frames arrive from several goroutines (NATS delivery,
// handler errors), so every write goes through the mutex.
type Peer struct {
	Id        string
	Name      string
	SessionId string

	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

func NewPeer(id, name, sessionId string, conn *websocket.Conn, eventsPerSec float64, burst int) *Peer {
	return &Peer{
		Id:        id,
		Name:      name,
		SessionId: sessionId,
		conn:      conn,
		limiter:   rate.NewLimiter(rate.Limit(eventsPerSec), burst),
	}
}

// SafeWriteJSON serializes writes so concurrent senders never interleave
// frames on the wire.
func (p *Peer) SafeWriteJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

// SafeWriteRaw writes one pre-encoded text frame.
func (p *Peer) SafeWriteRaw(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Allow reports whether the peer is within its inbound event budget.
func (p *Peer) Allow() bool {
	return p.limiter.Allow()
}

func (p *Peer) Close() error {
	return p.conn.Close()
}
