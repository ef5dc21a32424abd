package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.pilab.hu/imagewatch/cache"
	"go.pilab.hu/imagewatch/domain"
	"go.pilab.hu/imagewatch/internal/actor"
	"go.pilab.hu/imagewatch/internal/audit"
	"go.pilab.hu/imagewatch/internal/metrics"
	"go.pilab.hu/imagewatch/log"
)

const (
	// ProtectedPrefix is the path prefix that requires a token.
	ProtectedPrefix = "/backend"
	// LoginPath and FrontendHashPath live under the prefix but are public.
	LoginPath        = "/backend/login"
	FrontendHashPath = "/backend/frontend_hash"
)

// IsPublicPath reports whether requests to path are allowed without a token.
func IsPublicPath(path string) bool {
	if path != ProtectedPrefix && !strings.HasPrefix(path, ProtectedPrefix+"/") {
		return true
	}
	return path == LoginPath || path == FrontendHashPath
}

// PasswordVerifier checks a candidate password against a stored hash.
type PasswordVerifier func(hash, candidate string) (bool, error)

// Config configures an Authenticator.
type Config struct {
	Username     string
	PasswordHash string
	Tokens       cache.TokenIssuer
	Verify       PasswordVerifier
	// MaxLoginFailures within LoginFailureWindow blocks further logins for
	// that username until the window ends. Zero disables throttling.
	MaxLoginFailures   int
	LoginFailureWindow time.Duration
	// Audit receives one event per login attempt. Optional.
	Audit  *audit.Recorder
	Logger log.Logger
}

type authorizeMsg struct {
	ctx   context.Context
	token *domain.Token
	path  string
	reply chan<- bool
}

type loginMsg struct {
	ctx         context.Context
	credentials domain.Credentials
	reply       chan<- *domain.Token
}

// Authenticator validates credentials and gates protected requests.
type Authenticator struct {
	mailbox      *actor.Mailbox[interface{}]
	username     string
	passwordHash string
	tokens       cache.TokenIssuer
	verify       PasswordVerifier
	throttle     *loginThrottle
	audit        *audit.Recorder
	logger       log.Logger
	done         chan struct{}
}

// NewAuthenticator creates the authenticator and starts its goroutine.
func NewAuthenticator(cfg Config) *Authenticator {
	if cfg.Verify == nil {
		cfg.Verify = VerifyPassword
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	a := &Authenticator{
		mailbox:      actor.NewMailbox[interface{}](actor.DefaultCapacity),
		username:     cfg.Username,
		passwordHash: cfg.PasswordHash,
		tokens:       cfg.Tokens,
		verify:       cfg.Verify,
		throttle:     newLoginThrottle(cfg.MaxLoginFailures, cfg.LoginFailureWindow),
		audit:        cfg.Audit,
		logger:       log.Component(cfg.Logger, "authenticator"),
		done:         make(chan struct{}),
	}
	go a.run()
	return a
}

// AuthorizeRequest decides whether a request to path carrying token may proceed.
func (a *Authenticator) AuthorizeRequest(ctx context.Context, token *domain.Token, path string) (bool, error) {
	return actor.Ask(ctx, a.mailbox, func(reply chan<- bool) interface{} {
		return authorizeMsg{ctx: ctx, token: token, path: path, reply: reply}
	})
}

// Login returns a fresh token for valid credentials and nil otherwise.
func (a *Authenticator) Login(ctx context.Context, credentials domain.Credentials) (*domain.Token, error) {
	return actor.Ask(ctx, a.mailbox, func(reply chan<- *domain.Token) interface{} {
		return loginMsg{ctx: ctx, credentials: credentials, reply: reply}
	})
}

// Close stops accepting messages; the goroutine exits after draining.
func (a *Authenticator) Close() error {
	a.mailbox.Close()
	return nil
}

// Wait blocks until the authenticator's goroutine has exited.
func (a *Authenticator) Wait() {
	<-a.done
}

func (a *Authenticator) run() {
	defer close(a.done)
	defer a.mailbox.Stop()
	defer a.throttle.stop()

	a.logger.Debug(context.Background(), "actor started")
	for {
		select {
		case msg := <-a.mailbox.Receive():
			a.handle(msg)
		case <-a.mailbox.Closing():
			a.mailbox.Drain(a.handle)
			a.logger.Debug(context.Background(), "actor stopped")
			return
		}
	}
}

func (a *Authenticator) handle(msg interface{}) {
	switch m := msg.(type) {
	case authorizeMsg:
		m.reply <- a.authorize(m.ctx, m.token, m.path)
	case loginMsg:
		m.reply <- a.login(m.ctx, m.credentials)
	default:
		a.logger.Warn(context.Background(), "unexpected message", map[string]interface{}{
			"type": fmt.Sprintf("%T", msg),
		})
	}
}

func (a *Authenticator) authorize(ctx context.Context, token *domain.Token, path string) bool {
	if IsPublicPath(path) {
		return true
	}
	if token == nil {
		return false
	}
	ok, err := a.tokens.CheckAndRefresh(ctx, *token)
	if err != nil {
		a.logger.Warn(ctx, "token store unavailable", map[string]interface{}{"error": err.Error()})
		return false
	}
	return ok
}

func (a *Authenticator) login(ctx context.Context, credentials domain.Credentials) *domain.Token {
	if a.throttle.blocked(credentials.Username) {
		metrics.LoginFailureTotal.WithLabelValues("throttled").Inc()
		a.logger.Warn(ctx, "login throttled", map[string]interface{}{"username": credentials.Username})
		a.audit.Log(audit.ActionLogin, credentials.Username, "throttled", false, nil)
		return nil
	}

	if credentials.Username != a.username {
		a.fail(ctx, credentials.Username, "unknown_user")
		return nil
	}

	ok, err := a.verify(a.passwordHash, credentials.Password)
	if err != nil {
		a.logger.Error(ctx, "Error verifying password", err)
		a.fail(ctx, credentials.Username, "verify_error")
		return nil
	}
	if !ok {
		a.fail(ctx, credentials.Username, "bad_password")
		return nil
	}

	token, err := a.tokens.Issue(ctx, domain.Username(credentials.Username))
	if err != nil {
		a.logger.Error(ctx, "issuing token failed", err)
		a.audit.Log(audit.ActionLogin, credentials.Username, "issue_failed", false, err)
		return nil
	}

	a.throttle.reset(credentials.Username)
	metrics.LoginSuccessTotal.Inc()
	a.logger.Info(ctx, "login succeeded", map[string]interface{}{"username": credentials.Username})
	a.audit.Log(audit.ActionLogin, credentials.Username, "", true, nil)
	return &token
}

func (a *Authenticator) fail(ctx context.Context, username, reason string) {
	a.throttle.recordFailure(username)
	metrics.LoginFailureTotal.WithLabelValues(reason).Inc()
	a.logger.Info(ctx, "login failed", map[string]interface{}{
		"username": username,
		"reason":   reason,
	})
	a.audit.Log(audit.ActionLogin, username, reason, false, nil)
}
