// Package ws streams job events to WebSocket clients. One connection can
// follow any number of jobs; each followed job gets its own bus subscription
// and forwarding loop, serialized onto the connection through a single
// write-locked transport.
package ws

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dshills/beamgen-go/beam"
	"github.com/dshills/beamgen-go/beam/emit"
)

// Transport writes events to one client. Implementations must be safe for
// concurrent WriteEvent calls.
type Transport interface {
	WriteEvent(ev emit.Event) error
	Close() error
}

// WSTransport adapts a gorilla WebSocket connection into a Transport.
// WriteJSON is not concurrency-safe, so writes are mutex-serialized.
type WSTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport wraps an upgraded connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// WriteEvent sends one event as a JSON text frame.
func (t *WSTransport) WriteEvent(ev emit.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(ev)
}

// Close closes the underlying connection.
func (t *WSTransport) Close() error { return t.conn.Close() }

// Fanout attaches transports to job event streams.
//
// A slow client only loses its own events: the bus buffers per subscription
// and drops oldest on overflow, so one stalled connection never backpressures
// the orchestrator or other clients.
type Fanout struct {
	registry *beam.Registry
	logger   *log.Logger
}

// NewFanout creates a fanout over the registry's bus.
func NewFanout(registry *beam.Registry) *Fanout {
	return &Fanout{registry: registry, logger: log.Default()}
}

// Subscribe attaches t to jobID's stream and forwards events until the
// stream ends, the context is cancelled, or a write fails. It returns a stop
// function; the forwarding runs on its own goroutine.
func (f *Fanout) Subscribe(ctx context.Context, jobID string, t Transport) (stop func(), err error) {
	sub, err := f.registry.Attach(jobID)
	if err != nil {
		return nil, err
	}

	ack := emit.New(jobID, emit.TypeSubscribed)
	ack.Subscribed = &emit.SubscribedPayload{}
	if err := t.WriteEvent(ack); err != nil {
		sub.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Close()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if err := t.WriteEvent(ev); err != nil {
				f.logger.Printf("[ws] write to subscriber of %s failed: %v", jobID, err)
				return
			}
		}
	}()
	return cancel, nil
}

// clientMessage is the inbound control protocol.
type clientMessage struct {
	Type  string `json:"type"` // subscribe | unsubscribe
	JobID string `json:"jobId"`
}

// ServeConn runs the read loop for one connection, handling subscribe and
// unsubscribe messages until the client disconnects or ctx ends. All active
// subscriptions are torn down on return.
func (f *Fanout) ServeConn(ctx context.Context, conn *websocket.Conn) {
	t := NewWSTransport(conn)
	defer func() { _ = t.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	stops := make(map[string]func())
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, stop := range stops {
			stop()
		}
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.logger.Printf("[ws] read failed: %v", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			mu.Lock()
			_, already := stops[msg.JobID]
			mu.Unlock()
			if already {
				continue
			}
			stop, err := f.Subscribe(ctx, msg.JobID, t)
			if err != nil {
				f.writeError(t, msg.JobID, err)
				continue
			}
			mu.Lock()
			stops[msg.JobID] = stop
			mu.Unlock()

		case "unsubscribe":
			mu.Lock()
			if stop, ok := stops[msg.JobID]; ok {
				stop()
				delete(stops, msg.JobID)
			}
			mu.Unlock()

		default:
			f.writeError(t, msg.JobID, errors.New("unknown message type "+msg.Type))
		}
	}
}

func (f *Fanout) writeError(t Transport, jobID string, err error) {
	code := "BAD_REQUEST"
	if errors.Is(err, beam.ErrJobNotFound) {
		code = "JOB_NOT_FOUND"
	}
	ev := emit.New(jobID, emit.TypeError)
	ev.Error = &emit.ErrorPayload{Message: err.Error(), Code: code}
	if werr := t.WriteEvent(ev); werr != nil {
		f.logger.Printf("[ws] error write failed: %v", werr)
	}
}
