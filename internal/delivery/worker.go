// Package delivery streams change deltas to one live subscriber connection.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"go.pilab.hu/imagewatch/cache"
	"go.pilab.hu/imagewatch/domain"
	"go.pilab.hu/imagewatch/internal/actor"
	"go.pilab.hu/imagewatch/log"
)

const (
	closeWriteTimeout   = time.Second
	DefaultWriteTimeout = 10 * time.Second
)

var (
	errPeerGone = errors.New("peer closed the connection")
	errClosed   = errors.New("worker closed")
)

// Conn is the part of a websocket connection the worker uses.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Config configures a Worker.
type Config struct {
	// ChunkSize bounds the number of added entries per message.
	ChunkSize int
	// ChunkDelay separates consecutive chunks of one delta.
	ChunkDelay time.Duration
	// RefreshInterval is how often the subscriber's token is refreshed.
	// Zero disables refreshing.
	RefreshInterval time.Duration
	// WriteTimeout bounds each message write; a peer that cannot take a
	// chunk in time is dropped. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration
	Logger       log.Logger
}

// Worker owns one subscriber connection. Deltas sent to it are written to the
// connection in order; it exits on write failure, failed token refresh, peer
// close or Close.
type Worker struct {
	mailbox *actor.Mailbox[domain.ChangeDelta]
	conn    Conn
	token   domain.Token
	tokens  cache.TokenChecker
	cfg     Config
	logger  log.Logger
	done    chan struct{}
}

// Start creates a worker for conn and starts its goroutines.
func Start(conn Conn, token domain.Token, tokens cache.TokenChecker, cfg Config) *Worker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	w := &Worker{
		mailbox: actor.NewMailbox[domain.ChangeDelta](actor.DefaultCapacity),
		conn:    conn,
		token:   token,
		tokens:  tokens,
		cfg:     cfg,
		logger: cfg.Logger.With(map[string]interface{}{
			"component":  "delivery",
			"token_hash": cache.HashToken(token)[:12],
		}),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// Send queues delta for delivery. It blocks while the worker's mailbox is full
// and returns actor.ErrUnavailable once the worker has exited.
func (w *Worker) Send(ctx context.Context, delta domain.ChangeDelta) error {
	return w.mailbox.Send(ctx, delta)
}

// Close asks the worker to close its connection and exit.
func (w *Worker) Close() error {
	w.mailbox.Close()
	return nil
}

// Wait blocks until the worker and its reader have exited.
func (w *Worker) Wait() {
	<-w.done
}

// Done is closed after the worker has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Chunk splits delta into messages of at most size added entries. The first
// message carries every removed path; a delta without additions still yields
// one message.
func Chunk(delta domain.ChangeDelta, size int) []domain.ChangeDelta {
	if size <= 0 {
		size = 1
	}
	if len(delta.Added) == 0 {
		return []domain.ChangeDelta{{Removed: delta.Removed, Added: []domain.FileEntry{}}}
	}

	chunks := make([]domain.ChangeDelta, 0, (len(delta.Added)+size-1)/size)
	for start := 0; start < len(delta.Added); start += size {
		end := min(start+size, len(delta.Added))
		chunk := domain.ChangeDelta{Removed: []string{}, Added: delta.Added[start:end]}
		if start == 0 {
			chunk.Removed = delta.Removed
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (w *Worker) run() {
	var reader actor.Group
	peerGone := make(chan struct{})

	defer close(w.done)
	defer reader.Wait()
	defer w.conn.Close()
	defer w.mailbox.Stop()

	reader.Go(func() {
		defer close(peerGone)
		for {
			if _, _, err := w.conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var refresh <-chan time.Time
	if w.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(w.cfg.RefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}

	ctx := context.Background()
	w.logger.Debug(ctx, "worker started")
	for {
		select {
		case delta := <-w.mailbox.Receive():
			if err := w.deliver(delta, peerGone); err != nil {
				w.logger.Info(ctx, "delivery failed, dropping subscriber", map[string]interface{}{"error": err.Error()})
				return
			}
		case <-refresh:
			if !w.refreshToken(ctx) {
				w.closeWith(websocket.CloseNormalClosure, "token expired")
				return
			}
		case <-peerGone:
			w.logger.Debug(ctx, "peer closed the connection")
			return
		case <-w.mailbox.Closing():
			w.closeWith(websocket.CloseGoingAway, "server shutting down")
			w.logger.Debug(ctx, "worker closed")
			return
		}
	}
}

func (w *Worker) deliver(delta domain.ChangeDelta, peerGone <-chan struct{}) error {
	for i, chunk := range Chunk(delta, w.cfg.ChunkSize) {
		if i > 0 && w.cfg.ChunkDelay > 0 {
			timer := time.NewTimer(w.cfg.ChunkDelay)
			select {
			case <-timer.C:
			case <-peerGone:
				timer.Stop()
				return errPeerGone
			case <-w.mailbox.Closing():
				timer.Stop()
				w.closeWith(websocket.CloseGoingAway, "server shutting down")
				return errClosed
			}
		}

		payload, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("encode chunk %d: %w", i, err)
		}
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return fmt.Errorf("write chunk %d: %w", i, err)
		}
	}
	return nil
}

func (w *Worker) refreshToken(ctx context.Context) bool {
	ok, err := w.tokens.CheckAndRefresh(ctx, w.token)
	if err != nil {
		w.logger.Warn(ctx, "token store unavailable, closing subscriber", map[string]interface{}{"error": err.Error()})
		return false
	}
	if !ok {
		w.logger.Info(ctx, "subscriber token no longer valid")
	}
	return ok
}

func (w *Worker) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		w.logger.Debug(context.Background(), "writing close frame failed", map[string]interface{}{"error": err.Error()})
	}
}
