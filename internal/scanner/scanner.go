// Package scanner polls a directory tree and reports which tracked files
// appeared or disappeared since the previous pass.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"go.pilab.hu/imagewatch/domain"
	"go.pilab.hu/imagewatch/internal/actor"
	"go.pilab.hu/imagewatch/internal/metrics"
	"go.pilab.hu/imagewatch/log"
)

// DeltaSink receives non-empty deltas. The tracker implements it.
type DeltaSink interface {
	ApplyDelta(ctx context.Context, delta domain.ChangeDelta) error
}

// Config configures a Scanner.
type Config struct {
	// FS is the watched tree; paths in deltas are relative to its root.
	FS         fs.FS
	Extensions map[string]struct{}
	Interval   time.Duration
	Sink       DeltaSink
	Logger     log.Logger
}

type scanNowMsg struct {
	reply chan<- domain.ChangeDelta
}

// Scanner walks the tree on every tick. Walks run on their own goroutine so
// the scanner keeps answering its mailbox; ticks that arrive while a walk is
// running are coalesced into it.
type Scanner struct {
	mailbox    *actor.Mailbox[interface{}]
	fsys       fs.FS
	extensions map[string]struct{}
	interval   time.Duration
	sink       DeltaSink
	logger     log.Logger
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	known    map[string]struct{}
	scanning <-chan walkResult
	// waiters are answered when the running walk finishes; queued were asked
	// after it started and get a fresh walk of their own.
	waiters []chan<- domain.ChangeDelta
	queued  []chan<- domain.ChangeDelta
}

// NewScanner creates the scanner and starts its goroutine. The known set
// starts empty, so the first walk reports every file as added.
func NewScanner(cfg Config) *Scanner {
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scanner{
		mailbox:    actor.NewMailbox[interface{}](actor.DefaultCapacity),
		fsys:       cfg.FS,
		extensions: cfg.Extensions,
		interval:   cfg.Interval,
		sink:       cfg.Sink,
		logger:     log.Component(cfg.Logger, "scanner"),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		known:      map[string]struct{}{},
	}
	go s.run()
	return s
}

// ScanNow runs a walk that starts after the call and returns the delta it
// produced. The delta has already been handed to the sink when ScanNow returns.
func (s *Scanner) ScanNow(ctx context.Context) (domain.ChangeDelta, error) {
	return actor.Ask(ctx, s.mailbox, func(reply chan<- domain.ChangeDelta) interface{} {
		return scanNowMsg{reply: reply}
	})
}

// Close stops the scanner. A walk in progress is cancelled.
func (s *Scanner) Close() error {
	s.mailbox.Close()
	return nil
}

// Wait blocks until the scanner's goroutine has exited.
func (s *Scanner) Wait() {
	<-s.done
}

func (s *Scanner) run() {
	defer close(s.done)
	defer s.mailbox.Stop()
	defer s.cancel()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.logger.Debug(s.ctx, "actor started", map[string]interface{}{"interval": s.interval.String()})
	for {
		select {
		case msg := <-s.mailbox.Receive():
			s.handle(msg)
		case <-tick:
			if s.scanning == nil {
				s.startWalk()
			}
		case res := <-s.scanning:
			s.scanning = nil
			s.finishWalk(res)
		case <-s.mailbox.Closing():
			s.cancel()
			if s.scanning != nil {
				<-s.scanning
			}
			s.mailbox.Drain(func(interface{}) {})
			s.logger.Debug(context.Background(), "actor stopped")
			return
		}
	}
}

func (s *Scanner) handle(msg interface{}) {
	switch m := msg.(type) {
	case scanNowMsg:
		if s.scanning == nil {
			s.waiters = append(s.waiters, m.reply)
			s.startWalk()
			return
		}
		s.queued = append(s.queued, m.reply)
	default:
		s.logger.Warn(s.ctx, "unexpected message", map[string]interface{}{
			"type": fmt.Sprintf("%T", msg),
		})
	}
}

func (s *Scanner) startWalk() {
	known := s.known
	s.scanning = actor.Offload(func() walkResult {
		return walk(s.ctx, s.fsys, s.extensions, known)
	})
}

func (s *Scanner) finishWalk(res walkResult) {
	waiters := s.waiters
	s.waiters = nil

	var delta domain.ChangeDelta
	if res.err != nil {
		s.logger.Warn(s.ctx, "scan failed", map[string]interface{}{"error": res.err.Error()})
	} else {
		metrics.ScansTotal.Inc()
		s.known = res.found
		delta = res.delta
		if res.skipped > 0 {
			s.logger.Debug(s.ctx, "unreadable entries skipped", map[string]interface{}{"count": res.skipped})
		}
		if !delta.IsEmpty() {
			s.logger.Debug(s.ctx, "changes detected", map[string]interface{}{
				"added":   len(delta.Added),
				"removed": len(delta.Removed),
			})
			if err := s.sink.ApplyDelta(s.ctx, delta); err != nil {
				s.logger.Warn(s.ctx, "forwarding delta failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	for _, w := range waiters {
		w <- delta
	}
	if len(s.queued) > 0 {
		s.waiters, s.queued = s.queued, nil
		s.startWalk()
	}
}
