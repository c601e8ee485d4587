// Package wsdriver is the representative reconnecting pub/sub I/O driver of
// §4.4: a WebSocket client that maintains its own background connection
// and exposes only non-blocking reads/writes to the scan thread.
package wsdriver

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ironloop/ironcycle/internal/errkind"
	"github.com/ironloop/ironcycle/internal/iodriver"
)

// Config configures one WebSocketDriver instance.
type Config struct {
	URL                 string
	AllowInsecureRemote bool
	Username            string
	Password            string
	ReconnectMinMS      int
	ReconnectMaxMS      int
}

func (c Config) toSecurityParams() iodriver.SecurityParams {
	return iodriver.SecurityParams{
		Endpoint:            c.URL,
		AllowInsecureRemote: c.AllowInsecureRemote,
		Username:            c.Username,
		Password:            c.Password,
	}
}

func isLoopback(endpoint string) bool {
	return strings.Contains(endpoint, "127.0.0.1") || strings.Contains(endpoint, "localhost") || strings.Contains(endpoint, "::1")
}

// Driver is a gorilla/websocket-backed iodriver.Driver. Reads and writes
// exchange raw frames through bounded in-memory queues fed/drained by a
// background goroutine (Run); ReadInputs/WriteOutputs never touch the
// network directly, satisfying §4.4's non-blocking contract.
type Driver struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	health   iodriver.Health
	inbox    [][]byte
	outbox   [][]byte
	maxQueue int
}

// New validates cfg's security rules and constructs a Driver in Degraded
// state (not yet connected).
func New(cfg Config, log zerolog.Logger) (*Driver, error) {
	if err := cfg.toSecurityParams().Validate(isLoopback); err != nil {
		return nil, errkind.New(errkind.InvalidConfig, "wsdriver.New", err)
	}
	return &Driver{
		cfg:      cfg,
		log:      log,
		health:   iodriver.Health{State: iodriver.HealthDegraded, Reason: "not yet connected"},
		maxQueue: 1024,
	}, nil
}

// ReadInputs copies the oldest queued received frame into buf, truncating
// it if buf is smaller; each call consumes at most one frame. Non-blocking:
// if nothing is queued, buf is left untouched.
func (d *Driver) ReadInputs(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inbox) == 0 {
		return nil
	}
	frame := d.inbox[0]
	d.inbox = d.inbox[1:]
	n := copy(buf, frame)
	_ = n
	return nil
}

// WriteOutputs enqueues a copy of buf for the background writer, whether or
// not the transport is connected. When the queue already holds maxQueue
// frames, the oldest queued frame is dropped to make room.
func (d *Driver) WriteOutputs(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.outbox) >= d.maxQueue {
		d.outbox = d.outbox[1:] // drop oldest
	}
	cp := append([]byte(nil), buf...)
	d.outbox = append(d.outbox, cp)
	return nil
}

// Health reports the driver's current connection state.
func (d *Driver) Health() iodriver.Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

func (d *Driver) setHealth(h iodriver.Health) {
	d.mu.Lock()
	d.health = h
	d.mu.Unlock()
}

// Run owns the connection lifecycle: connect, read loop, write loop, and
// reconnect-on-loss, pausing between attempts via waitBackoff. Exits when ctx
// is cancelled. This is the driver's own background worker (§5); the
// scheduler thread never calls this directly.
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.URL, nil)
		if err != nil {
			d.setHealth(iodriver.Health{State: iodriver.HealthDegraded, Reason: err.Error()})
			d.waitBackoff(ctx)
			continue
		}
		d.setHealth(iodriver.Health{State: iodriver.HealthOk})
		d.serve(ctx, conn)
		d.setHealth(iodriver.Health{State: iodriver.HealthDegraded, Reason: "connection lost"})
		d.waitBackoff(ctx)
	}
}

// waitBackoff rate-limits reconnect attempts (§4.4 "must be rate-limited
// and must not spin the scan thread") by sleeping for the first NextBackOff
// of a fresh cenkalti/backoff/v4 ExponentialBackOff: ReconnectMinMS (or the
// library's 500 ms default) with the library's default randomization. The
// backoff is rebuilt on every call, so the delay does not grow across
// consecutive failures and ReconnectMaxMS has no effect on it. Returns early
// when ctx is cancelled.
func (d *Driver) waitBackoff(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	if d.cfg.ReconnectMinMS > 0 {
		b.InitialInterval = time.Duration(d.cfg.ReconnectMinMS) * time.Millisecond
	}
	if d.cfg.ReconnectMaxMS > 0 {
		b.MaxInterval = time.Duration(d.cfg.ReconnectMaxMS) * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-time.After(b.NextBackOff()):
	}
}

func (d *Driver) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				d.log.Warn().Err(err).Msg("wsdriver read failed")
				return
			}
			d.mu.Lock()
			if len(d.inbox) >= d.maxQueue {
				d.inbox = d.inbox[1:]
			}
			d.inbox = append(d.inbox, msg)
			d.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			d.mu.Lock()
			var frame []byte
			if len(d.outbox) > 0 {
				frame = d.outbox[0]
				d.outbox = d.outbox[1:]
			}
			d.mu.Unlock()
			if frame != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, bytes.TrimRight(frame, "\x00")); err != nil {
					return
				}
			}
		}
	}
}
