// Package streams multiplexes live data flowing out of Docker daemons:
// container logs, stats, exec output precursors, and event feeds. One
// upstream origin per key feeds any number of subscribers, with a
// bounded replay ring so late joiners see recent history and per-
// subscriber queues so one slow reader cannot stall the rest.
package streams

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/metrics"
)

// Kind classifies what an origin streams.
type Kind string

const (
	KindLogs        Kind = "logs"
	KindStats       Kind = "stats"
	KindEvents      Kind = "events"
	KindServiceLogs Kind = "service-logs"
)

// SelfLabel is the default container label marking containers that
// belong to this control plane. See SelfPolicy.
const SelfLabel = "io.harbormaster.self"

// Key identifies one origin. Fingerprint folds in the open options
// (tail, since) so subscribers with different options get distinct
// origins.
type Key struct {
	Kind        Kind
	HostID      string
	Resource    string
	Fingerprint string
}

// Frame is one unit of stream data with its position in the origin's
// history.
type Frame struct {
	Seq  uint64
	Data []byte
}

var (
	// ErrSlowConsumer ends a subscription whose queue overflowed.
	ErrSlowConsumer = errors.New("subscriber too slow, dropped")
	// ErrOriginClosed ends subscriptions when the upstream source dies.
	ErrOriginClosed = errors.New("stream origin closed")
)

// Source produces the origin's frames. Run blocks until the source is
// exhausted or ctx is cancelled, calling emit for each frame.
type Source interface {
	Run(ctx context.Context, emit func(data []byte)) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, emit func(data []byte)) error

func (f SourceFunc) Run(ctx context.Context, emit func(data []byte)) error {
	return f(ctx, emit)
}

// Opener builds the upstream source for a key.
type Opener func(ctx context.Context, key Key) (Source, error)

const (
	ringSize      = 1000
	subQueueSize  = 256
	lingerTimeout = 5 * time.Second

	retryMin = time.Second
	retryMax = 30 * time.Second
)

// Subscription is one consumer of an origin. Read frames from C until
// it closes, then consult Err.
type Subscription struct {
	C <-chan Frame

	reg    *Registry
	origin *origin
	id     uint64
	ch     chan Frame

	mu  sync.Mutex
	err error
}

// Err reports why C closed: nil after Cancel, ErrSlowConsumer or
// ErrOriginClosed otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.origin.remove(s, nil)
}

type origin struct {
	key    Key
	reg    *Registry
	cancel context.CancelFunc

	mu     sync.Mutex
	seq    uint64
	ring   []Frame // last ringSize frames
	subs   map[uint64]*Subscription
	nextID uint64
	linger *time.Timer
	closed bool
}

// Registry owns all origins.
type Registry struct {
	open Opener
	log  *slog.Logger

	ring   int
	queue  int
	linger time.Duration

	mu      sync.Mutex
	origins map[Key]*origin
}

// Option configures a Registry.
type Option func(*Registry)

// WithRingSize sets the replay ring length per origin. Zero disables
// replay for late joiners.
func WithRingSize(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.ring = n
		}
	}
}

// WithQueueSize sets the per-subscriber queue depth.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queue = n
		}
	}
}

// WithLinger sets how long an origin survives its last subscriber.
func WithLinger(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.linger = d
		}
	}
}

// New creates a Registry around an origin opener.
func New(open Opener, log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		open:    open,
		log:     log,
		ring:    ringSize,
		queue:   subQueueSize,
		linger:  lingerTimeout,
		origins: make(map[Key]*origin),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe attaches to the origin for a key, starting it if this is
// the first subscriber. Recent history is replayed into the queue
// before live frames arrive.
func (r *Registry) Subscribe(ctx context.Context, key Key) (*Subscription, error) {
	// Two attempts: the origin found on the first pass may close between
	// lookup and attach.
	for attempt := 0; attempt < 2; attempt++ {
		r.mu.Lock()
		o, ok := r.origins[key]
		if !ok {
			runCtx, cancel := context.WithCancel(context.Background())
			o = &origin{
				key:    key,
				reg:    r,
				cancel: cancel,
				subs:   make(map[uint64]*Subscription),
			}
			r.origins[key] = o
			metrics.ActiveStreams.WithLabelValues(string(key.Kind)).Inc()
			go o.run(runCtx)
		}
		r.mu.Unlock()

		sub, err := o.add()
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrOriginClosed) {
			return nil, err
		}
	}
	return nil, ErrOriginClosed
}

// SubscriberCount reports the current subscribers on a key, zero when
// the origin does not exist.
func (r *Registry) SubscriberCount(key Key) int {
	r.mu.Lock()
	o, ok := r.origins[key]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// Close stops every origin. Subscribers see ErrOriginClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	origins := make([]*origin, 0, len(r.origins))
	for _, o := range r.origins {
		origins = append(origins, o)
	}
	r.mu.Unlock()

	for _, o := range origins {
		o.cancel()
	}
}

func (r *Registry) dropOrigin(o *origin) {
	r.mu.Lock()
	if current, ok := r.origins[o.key]; ok && current == o {
		delete(r.origins, o.key)
		metrics.ActiveStreams.WithLabelValues(string(o.key.Kind)).Dec()
	}
	r.mu.Unlock()
}

// run pumps the upstream source into the fan-out. Stats origins are
// restarted with backoff because a momentary daemon hiccup should not
// tear down every dashboard watching the host; other kinds end their
// subscribers on the first upstream error.
func (o *origin) run(ctx context.Context) {
	defer o.close(ErrOriginClosed)

	backoff := retryMin
	for {
		src, err := o.reg.open(ctx, o.key)
		if err == nil {
			err = src.Run(ctx, o.broadcast)
			backoff = retryMin
		}
		if ctx.Err() != nil {
			return
		}
		if o.key.Kind != KindStats {
			if err != nil {
				o.reg.log.Debug("stream origin ended", "kind", o.key.Kind, "host_id", o.key.HostID, "error", err)
			}
			return
		}

		o.reg.log.Debug("stats origin retrying", "host_id", o.key.HostID, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryMax {
			backoff = retryMax
		}
	}
}

// broadcast appends a frame to the ring and fans it out. A subscriber
// whose queue is full is dropped rather than blocking the origin.
func (o *origin) broadcast(data []byte) {
	o.mu.Lock()
	o.seq++
	f := Frame{Seq: o.seq, Data: data}
	o.ring = append(o.ring, f)
	if limit := o.reg.ring; len(o.ring) > limit {
		o.ring = o.ring[len(o.ring)-limit:]
	}

	var slow []*Subscription
	for _, sub := range o.subs {
		select {
		case sub.ch <- f:
		default:
			slow = append(slow, sub)
		}
	}
	o.mu.Unlock()

	for _, sub := range slow {
		metrics.StreamDrops.WithLabelValues(string(o.key.Kind)).Inc()
		o.remove(sub, ErrSlowConsumer)
	}
}

func (o *origin) add() (*Subscription, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOriginClosed
	}
	if o.linger != nil {
		o.linger.Stop()
		o.linger = nil
	}

	ch := make(chan Frame, o.reg.queue)
	sub := &Subscription{C: ch, reg: o.reg, origin: o, id: o.nextID, ch: ch}
	o.nextID++

	// Replay what fits; live frames follow in order.
	replay := o.ring
	if len(replay) > o.reg.queue-1 {
		replay = replay[len(replay)-(o.reg.queue-1):]
	}
	for _, f := range replay {
		ch <- f
	}

	o.subs[sub.id] = sub
	metrics.StreamSubscribers.Inc()
	return sub, nil
}

// remove detaches a subscription, recording why. The last subscriber
// arms the linger timer instead of stopping the origin immediately, so
// a page reload does not restart the upstream.
func (o *origin) remove(sub *Subscription, cause error) {
	o.mu.Lock()
	if _, ok := o.subs[sub.id]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.subs, sub.id)
	metrics.StreamSubscribers.Dec()

	sub.mu.Lock()
	sub.err = cause
	sub.mu.Unlock()
	close(sub.ch)

	if len(o.subs) == 0 && !o.closed && o.linger == nil {
		o.linger = time.AfterFunc(o.reg.linger, func() {
			o.mu.Lock()
			idle := len(o.subs) == 0 && !o.closed
			o.mu.Unlock()
			if idle {
				o.cancel()
			}
		})
	}
	o.mu.Unlock()
}

// close ends every remaining subscription and removes the origin.
func (o *origin) close(cause error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.linger != nil {
		o.linger.Stop()
		o.linger = nil
	}
	subs := make([]*Subscription, 0, len(o.subs))
	for _, sub := range o.subs {
		subs = append(subs, sub)
	}
	o.subs = make(map[uint64]*Subscription)
	o.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.err = cause
		sub.mu.Unlock()
		close(sub.ch)
		metrics.StreamSubscribers.Dec()
	}
	o.cancel()
	o.reg.dropOrigin(o)
}
