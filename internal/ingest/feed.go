package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Feed message types. Anything else is treated as an event.
const (
	MessageEvent    = "event"
	MessageMatchEnd = "match_end"
	MessageResume   = "resume"
)

// FeedMessage is one JSON frame from the feed.
type FeedMessage struct {
	Type string `json:"type"`
	RawEvent
}

// ResumeRequest is sent after every (re)connect so the feed can replay
// events newer than what was already accepted.
type ResumeRequest struct {
	Type  string               `json:"type"`
	Since map[string]time.Time `json:"since"`
}

// FeedHandler receives decoded feed traffic.
type FeedHandler interface {
	Ingest(ctx context.Context, raw RawEvent) error
	EndMatch(matchID string)
	// Resume returns the newest accepted timestamp per match.
	Resume() map[string]time.Time
}

// FeedConfig configures FeedClient behavior.
type FeedConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential reconnect delay.
	MaxReconnectDelay time.Duration
	// ReadTimeout closes a silent connection.
	ReadTimeout time.Duration
	// WriteTimeout bounds resume and ping writes.
	WriteTimeout time.Duration
}

// DefaultFeedConfig returns default feed client configuration.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		ReconnectDelay:    500 * time.Millisecond,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// FeedClient consumes the live event feed over a websocket and reconnects
// with exponential backoff, resuming from the last accepted timestamps.
type FeedClient struct {
	endpoint string
	cfg      FeedConfig
	handler  FeedHandler
	dialer   websocket.Dialer
}

// NewFeedClient creates a feed client. Call Run to start consuming.
func NewFeedClient(endpoint string, handler FeedHandler, cfg *FeedConfig) *FeedClient {
	c := DefaultFeedConfig()
	if cfg != nil {
		c = *cfg
	}
	return &FeedClient{
		endpoint: endpoint,
		cfg:      c,
		handler:  handler,
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run connects and consumes until ctx is done. Connection errors are
// retried forever; only ctx cancellation or an invalid endpoint stop it.
func (c *FeedClient) Run(ctx context.Context) error {
	if _, err := url.Parse(c.endpoint); err != nil {
		return fmt.Errorf("feed: invalid endpoint: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.MaxInterval = c.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return c.session(ctx, b.Reset)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("feed disconnected, reconnecting", "err", err, "in", wait)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// session runs one connection until it fails.
func (c *FeedClient) session(ctx context.Context, connected func()) error {
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("feed dial: %w", err)
	}
	defer conn.Close()

	// Unblock the read when the context ends.
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	resume := ResumeRequest{Type: MessageResume, Since: c.handler.Resume()}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(resume); err != nil {
		return fmt.Errorf("feed resume: %w", err)
	}

	connected()
	slog.Info("feed connected", "endpoint", c.endpoint, "resume_matches", len(resume.Since))

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("feed read: %w", err)
		}
		c.dispatch(ctx, data)
	}
}

func (c *FeedClient) dispatch(ctx context.Context, data []byte) {
	var msg FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("feed: undecodable message", "err", err)
		return
	}

	switch msg.Type {
	case MessageMatchEnd:
		if msg.MatchID != "" {
			c.handler.EndMatch(msg.MatchID)
		}
	case MessageResume:
		// Echo from a feed that mirrors control frames; nothing to do.
	default:
		if err := c.handler.Ingest(ctx, msg.RawEvent); err != nil {
			if errors.Is(err, ErrOutOfOrderEvent) {
				return // counted by the ingestor; replay overlap is expected
			}
			slog.Warn("feed: event rejected", "match", msg.MatchID, "err", err)
		}
	}
}
