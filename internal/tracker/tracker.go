// Package tracker keeps the authoritative baseline of known files and fans
// every change out to the registered subscribers.
package tracker

import (
	"context"
	"fmt"
	"slices"

	"go.pilab.hu/imagewatch/cache"
	"go.pilab.hu/imagewatch/domain"
	"go.pilab.hu/imagewatch/internal/actor"
	"go.pilab.hu/imagewatch/internal/delivery"
	"go.pilab.hu/imagewatch/internal/metrics"
	"go.pilab.hu/imagewatch/log"
)

// Subscriber is a live delivery channel owned by the tracker.
type Subscriber interface {
	Send(ctx context.Context, delta domain.ChangeDelta) error
	Close() error
	Wait()
}

// SpawnFunc starts a subscriber for an upgraded connection.
type SpawnFunc func(conn delivery.Conn, token domain.Token) Subscriber

// DeliverySpawner spawns delivery workers that refresh their token against tokens.
func DeliverySpawner(tokens cache.TokenChecker, cfg delivery.Config) SpawnFunc {
	return func(conn delivery.Conn, token domain.Token) Subscriber {
		return delivery.Start(conn, token, tokens, cfg)
	}
}

// Config configures a Tracker.
type Config struct {
	Spawn  SpawnFunc
	Logger log.Logger
}

type applyDeltaMsg struct {
	delta domain.ChangeDelta
}

type registerMsg struct {
	conn  delivery.Conn
	token domain.Token
	reply chan<- bool
}

type snapshotMsg struct {
	reply chan<- []domain.FileEntry
}

type countMsg struct {
	reply chan<- int
}

type mergeResult struct {
	delta    domain.ChangeDelta
	baseline []domain.FileEntry
}

type subscriber struct {
	id  uint64
	sub Subscriber
}

// Tracker owns the baseline and the subscriber list. A delta is committed to
// the baseline and broadcast to every subscriber before the next one is
// applied, so all subscribers observe deltas in the order they were produced.
type Tracker struct {
	mailbox *actor.Mailbox[interface{}]
	spawn   SpawnFunc
	logger  log.Logger
	done    chan struct{}

	baseline    []domain.FileEntry
	subscribers []subscriber
	nextID      uint64

	merging <-chan mergeResult
	pending []domain.ChangeDelta
}

// NewTracker creates a tracker with an empty baseline and starts its goroutine.
func NewTracker(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	t := &Tracker{
		mailbox:  actor.NewMailbox[interface{}](actor.DefaultCapacity),
		spawn:    cfg.Spawn,
		logger:   log.Component(cfg.Logger, "tracker"),
		done:     make(chan struct{}),
		baseline: []domain.FileEntry{},
	}
	go t.run()
	return t
}

// ApplyDelta queues delta for merging into the baseline and broadcasting.
func (t *Tracker) ApplyDelta(ctx context.Context, delta domain.ChangeDelta) error {
	return t.mailbox.Send(ctx, applyDeltaMsg{delta: delta})
}

// RegisterSubscriber spawns a subscriber for conn and hands it the full
// baseline. It reports false when that first send failed, in which case the
// subscriber has already been torn down.
func (t *Tracker) RegisterSubscriber(ctx context.Context, conn delivery.Conn, token domain.Token) (bool, error) {
	return actor.Ask(ctx, t.mailbox, func(reply chan<- bool) interface{} {
		return registerMsg{conn: conn, token: token, reply: reply}
	})
}

// Snapshot returns a copy of the committed baseline.
func (t *Tracker) Snapshot(ctx context.Context) ([]domain.FileEntry, error) {
	return actor.Ask(ctx, t.mailbox, func(reply chan<- []domain.FileEntry) interface{} {
		return snapshotMsg{reply: reply}
	})
}

// SubscriberCount returns the number of registered subscribers.
func (t *Tracker) SubscriberCount(ctx context.Context) (int, error) {
	return actor.Ask(ctx, t.mailbox, func(reply chan<- int) interface{} {
		return countMsg{reply: reply}
	})
}

// Close stops accepting messages. On exit the tracker closes and joins every
// subscriber.
func (t *Tracker) Close() error {
	t.mailbox.Close()
	return nil
}

// Wait blocks until the tracker and all of its subscribers have exited.
func (t *Tracker) Wait() {
	<-t.done
}

func (t *Tracker) run() {
	defer close(t.done)
	defer t.closeSubscribers()
	defer t.mailbox.Stop()

	ctx := context.Background()
	t.logger.Debug(ctx, "actor started")
	for {
		// A full pending queue stops intake until the running merge commits,
		// which pushes backpressure onto the scanner.
		inbox := t.mailbox.Receive()
		if len(t.pending) >= actor.DefaultCapacity {
			inbox = nil
		}
		closing := t.mailbox.Closing()
		if t.merging != nil {
			closing = nil
		}

		select {
		case msg := <-inbox:
			t.handle(ctx, msg)
		case res := <-t.merging:
			t.merging = nil
			t.commit(ctx, res)
			t.startNextMerge()
		case <-closing:
			t.mailbox.Drain(func(msg interface{}) { t.handleClosing(ctx, msg) })
			if len(t.pending) > 0 {
				t.logger.Debug(ctx, "discarding pending deltas", map[string]interface{}{"count": len(t.pending)})
			}
			t.logger.Debug(ctx, "actor stopped")
			return
		}
	}
}

func (t *Tracker) handle(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case applyDeltaMsg:
		t.pending = append(t.pending, m.delta)
		if t.merging == nil {
			t.startNextMerge()
		}
	case registerMsg:
		m.reply <- t.register(ctx, m.conn, m.token)
	case snapshotMsg:
		m.reply <- slices.Clone(t.baseline)
	case countMsg:
		m.reply <- len(t.subscribers)
	default:
		t.logger.Warn(ctx, "unexpected message", map[string]interface{}{
			"type": fmt.Sprintf("%T", msg),
		})
	}
}

// handleClosing answers queries left in the mailbox at shutdown. New
// subscribers are refused and deltas are dropped.
func (t *Tracker) handleClosing(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case applyDeltaMsg:
		t.pending = append(t.pending, m.delta)
	case registerMsg:
		_ = m.conn.Close()
		m.reply <- false
	default:
		t.handle(ctx, msg)
	}
}

func (t *Tracker) startNextMerge() {
	if len(t.pending) == 0 {
		return
	}
	delta := t.pending[0]
	t.pending = t.pending[1:]
	baseline := t.baseline
	t.merging = actor.Offload(func() mergeResult {
		return mergeResult{delta: delta, baseline: Merge(baseline, delta)}
	})
}

func (t *Tracker) commit(ctx context.Context, res mergeResult) {
	t.baseline = res.baseline
	metrics.BaselineSizeGauge.Set(float64(len(t.baseline)))
	metrics.DeltasBroadcastTotal.Inc()
	t.logger.Debug(ctx, "delta applied", map[string]interface{}{
		"added":       len(res.delta.Added),
		"removed":     len(res.delta.Removed),
		"baseline":    len(t.baseline),
		"subscribers": len(t.subscribers),
	})
	t.broadcast(ctx, res.delta)
}

func (t *Tracker) broadcast(ctx context.Context, delta domain.ChangeDelta) {
	live := t.subscribers[:0]
	var dropped []subscriber
	for _, s := range t.subscribers {
		if err := s.sub.Send(ctx, delta); err != nil {
			dropped = append(dropped, s)
			continue
		}
		live = append(live, s)
	}
	for i := len(live); i < len(t.subscribers); i++ {
		t.subscribers[i] = subscriber{}
	}
	t.subscribers = live

	for _, s := range dropped {
		_ = s.sub.Close()
		s.sub.Wait()
		metrics.SubscribersDroppedTotal.Inc()
		t.logger.Info(ctx, "subscriber dropped", map[string]interface{}{"subscriber": s.id})
	}
	if len(dropped) > 0 {
		metrics.SubscribersGauge.Set(float64(len(t.subscribers)))
	}
}

func (t *Tracker) register(ctx context.Context, conn delivery.Conn, token domain.Token) bool {
	sub := t.spawn(conn, token)
	if err := sub.Send(ctx, domain.FullSync(t.baseline)); err != nil {
		_ = sub.Close()
		sub.Wait()
		t.logger.Info(ctx, "initial sync failed, subscriber not registered", map[string]interface{}{"error": err.Error()})
		return false
	}

	t.nextID++
	t.subscribers = append(t.subscribers, subscriber{id: t.nextID, sub: sub})
	metrics.SubscribersGauge.Set(float64(len(t.subscribers)))
	t.logger.Info(ctx, "subscriber registered", map[string]interface{}{
		"subscriber":  t.nextID,
		"baseline":    len(t.baseline),
		"subscribers": len(t.subscribers),
	})
	return true
}

func (t *Tracker) closeSubscribers() {
	for _, s := range t.subscribers {
		_ = s.sub.Close()
	}
	for _, s := range t.subscribers {
		s.sub.Wait()
	}
	t.subscribers = nil
	metrics.SubscribersGauge.Set(0)
}

// Available reports whether the tracker still accepts messages.
func (t *Tracker) Available() bool {
	return t.mailbox.Alive()
}
