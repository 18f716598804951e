package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deRockerTom/twitch-bot/store"
	"github.com/deRockerTom/twitch-bot/telemetry"
)

// DefaultSendTimeout bounds a single subscriber send.
const DefaultSendTimeout = 5 * time.Second

// State is the relay's position in its Idle/Broadcasting cycle.
type State int32

const (
	StateIdle State = iota
	StateBroadcasting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBroadcasting:
		return "broadcasting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options tune fan-out. Zero values select the defaults.
type Options struct {
	// SendTimeout bounds each subscriber send (default DefaultSendTimeout).
	SendTimeout time.Duration
	// MaxParallel caps concurrent sends per broadcast; 0 means no cap.
	MaxParallel int
}

// Result summarizes one broadcast.
type Result struct {
	Subscribers int
	Delivered   int
	Dropped     int
}

// Relay delivers overlay messages to every registered subscriber. At most one
// broadcast runs at a time; sends within a broadcast run concurrently.
type Relay struct {
	registry *Registry
	opts     Options

	mu    sync.Mutex
	state atomic.Int32
}

// New returns a relay delivering to reg.
func New(reg *Registry, opts Options) *Relay {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.MaxParallel < 0 {
		opts.MaxParallel = 0
	}
	return &Relay{registry: reg, opts: opts}
}

// Registry returns the subscriber registry the relay delivers to.
func (r *Relay) Registry() *Registry { return r.registry }

// State reports whether a broadcast is in flight.
func (r *Relay) State() State { return State(r.state.Load()) }

// Broadcast sends m to a snapshot of the registry. Subscribers whose send
// fails are removed (and closed when they implement io.Closer); the others
// are unaffected. Broadcast never fails as a whole.
func (r *Relay) Broadcast(ctx context.Context, m store.Message) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.Store(int32(StateBroadcasting))
	telemetry.SetBroadcasting(true)
	defer func() {
		r.state.Store(int32(StateIdle))
		telemetry.SetBroadcasting(false)
	}()

	payload, err := Encode(m)
	if err != nil {
		slog.Error("overlay payload encode failed", slog.Any("err", err), slog.String("component", "relay"))
		return Result{}
	}

	subs := r.registry.Snapshot()
	res := Result{Subscribers: len(subs)}
	if len(subs) == 0 {
		slog.Debug("no overlay subscribers, message not delivered", slog.String("user_id", m.UserID), slog.String("component", "relay"))
		telemetry.Inc(telemetry.BroadcastsTotal)
		return res
	}

	ctx, span := telemetry.StartSpan(ctx, "overlay-relay", "broadcast", telemetry.BroadcastAttrs(m.UserID, len(subs))...)
	defer span.End()

	var delivered, dropped atomic.Int64
	telemetry.TimeFunc(telemetry.BroadcastDuration, func() {
		var g errgroup.Group
		if r.opts.MaxParallel > 0 {
			g.SetLimit(r.opts.MaxParallel)
		}
		for _, s := range subs {
			g.Go(func() error {
				if err := r.send(ctx, s, payload); err != nil {
					dropped.Add(1)
					r.drop(s, err)
					return nil
				}
				delivered.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	})

	res.Delivered = int(delivered.Load())
	res.Dropped = int(dropped.Load())
	telemetry.Inc(telemetry.BroadcastsTotal)
	telemetry.Add(telemetry.DeliveriesTotal, res.Delivered)
	telemetry.Add(telemetry.DeliveryFailures, res.Dropped)
	telemetry.SetSpanSuccess(span)

	slog.Info("overlay message broadcast",
		slog.String("user_id", m.UserID),
		slog.String("login", m.Login),
		slog.Int("delivered", res.Delivered),
		slog.Int("dropped", res.Dropped),
		slog.String("component", "relay"))
	return res
}

func (r *Relay) send(ctx context.Context, s Subscriber, payload []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber send panicked: %v", p)
		}
	}()
	sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	defer cancel()
	return s.Send(sendCtx, payload)
}

func (r *Relay) drop(m *Member, cause error) {
	r.registry.Remove(m)
	if c, ok := m.Subscriber.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Debug("close dropped subscriber", slog.Any("err", err), slog.String("component", "relay"))
		}
	}
	slog.Warn("overlay subscriber dropped after failed send", slog.Any("err", cause), slog.String("component", "relay"))
}
