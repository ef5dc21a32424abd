package cache

import (
	"context"
	"fmt"
	"time"

	"go.pilab.hu/imagewatch/domain"
	"go.pilab.hu/imagewatch/internal/actor"
	"go.pilab.hu/imagewatch/internal/metrics"
	"go.pilab.hu/imagewatch/log"
)

// TokenChecker is the part of the store consulted on every authenticated use.
type TokenChecker interface {
	CheckAndRefresh(ctx context.Context, token domain.Token) (bool, error)
}

// TokenIssuer is the part of the store used by login and logout.
type TokenIssuer interface {
	TokenChecker
	Issue(ctx context.Context, username domain.Username) (domain.Token, error)
	Revoke(ctx context.Context, token domain.Token) error
}

// Stats describes the store's content.
type Stats struct {
	Tokens     int
	Identities int
}

// Config configures a TokenStore.
type Config struct {
	CleanupInterval time.Duration
	TTL             time.Duration
	MaxPerUser      int
	Clock           Clock
	Logger          log.Logger
}

type checkAndRefreshMsg struct {
	token domain.Token
	reply chan<- bool
}

type issueMsg struct {
	username domain.Username
	reply    chan<- domain.Token
}

type revokeMsg struct {
	token domain.Token
}

type statsMsg struct {
	reply chan<- Stats
}

// TokenStore owns the mapping of tokens to identities and their deadlines.
// All operations are messages to a single goroutine; Close stops it.
type TokenStore struct {
	mailbox         *actor.Mailbox[interface{}]
	state           *tokenState
	clock           Clock
	cleanupInterval time.Duration
	logger          log.Logger
	done            chan struct{}
}

// NewTokenStore creates the store and starts its goroutine.
func NewTokenStore(cfg Config) *TokenStore {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	s := &TokenStore{
		mailbox:         actor.NewMailbox[interface{}](actor.DefaultCapacity),
		state:           newTokenState(cfg.TTL, cfg.MaxPerUser),
		clock:           cfg.Clock,
		cleanupInterval: cfg.CleanupInterval,
		logger:          log.Component(cfg.Logger, "token_store"),
		done:            make(chan struct{}),
	}
	go s.run()
	return s
}

// CheckAndRefresh reports whether token is known and, if so, pushes its
// deadline to now+TTL.
func (s *TokenStore) CheckAndRefresh(ctx context.Context, token domain.Token) (bool, error) {
	return actor.Ask(ctx, s.mailbox, func(reply chan<- bool) interface{} {
		return checkAndRefreshMsg{token: token, reply: reply}
	})
}

// Issue creates a new token for username.
func (s *TokenStore) Issue(ctx context.Context, username domain.Username) (domain.Token, error) {
	return actor.Ask(ctx, s.mailbox, func(reply chan<- domain.Token) interface{} {
		return issueMsg{username: username, reply: reply}
	})
}

// Revoke forgets token. Revoking an unknown token is a no-op.
func (s *TokenStore) Revoke(ctx context.Context, token domain.Token) error {
	return s.mailbox.Send(ctx, revokeMsg{token: token})
}

// Stats returns the number of live tokens and identities.
func (s *TokenStore) Stats(ctx context.Context) (Stats, error) {
	return actor.Ask(ctx, s.mailbox, func(reply chan<- Stats) interface{} {
		return statsMsg{reply: reply}
	})
}

// Close stops accepting messages; the goroutine exits after draining.
func (s *TokenStore) Close() error {
	s.mailbox.Close()
	return nil
}

// Wait blocks until the store's goroutine has exited.
func (s *TokenStore) Wait() {
	<-s.done
}

func (s *TokenStore) run() {
	defer close(s.done)
	defer s.mailbox.Stop()

	s.logger.Debug(context.Background(), "actor started")

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.mailbox.Receive():
			s.handle(msg)
		case <-ticker.C:
			s.cleanup()
		case <-s.mailbox.Closing():
			s.mailbox.Drain(s.handle)
			s.logger.Debug(context.Background(), "actor stopped")
			return
		}
	}
}

func (s *TokenStore) handle(msg interface{}) {
	switch m := msg.(type) {
	case checkAndRefreshMsg:
		ok := s.state.checkAndRefresh(m.token, s.clock.Now())
		if ok {
			metrics.TokensRefreshedTotal.Inc()
		}
		m.reply <- ok
	case issueMsg:
		token := s.state.issue(m.username, s.clock.Now())
		metrics.TokensIssuedTotal.Inc()
		s.logger.Info(context.Background(), "token issued", map[string]interface{}{
			"username": string(m.username),
		})
		m.reply <- token
	case revokeMsg:
		s.state.revoke(m.token)
		s.logger.Debug(context.Background(), "token revoked")
	case statsMsg:
		m.reply <- s.state.stats()
	default:
		s.logger.Warn(context.Background(), "unexpected message", map[string]interface{}{
			"type": fmt.Sprintf("%T", msg),
		})
	}
}

func (s *TokenStore) cleanup() {
	res := s.state.cleanup(s.clock.Now())
	if res.expired > 0 {
		metrics.TokensEvictedTotal.WithLabelValues("expired").Add(float64(res.expired))
	}
	if res.evicted > 0 {
		metrics.TokensEvictedTotal.WithLabelValues("over_cap").Add(float64(res.evicted))
	}

	if res.expired+res.evicted+res.revoked > 0 {
		s.logger.Debug(context.Background(), "token cleanup", map[string]interface{}{
			"expired":   res.expired,
			"evicted":   res.evicted,
			"revoked":   res.revoked,
			"remaining": res.remaining,
		})
	}
}

var (
	_ TokenIssuer = (*TokenStore)(nil)
)
