package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/futstar/momentum-engine/internal/broadcast"
	"github.com/futstar/momentum-engine/internal/model"
)

// Options tunes request handling and the momentum stream connections.
type Options struct {
	// RequestTimeout bounds every request except the stream. Zero means no
	// limit.
	RequestTimeout time.Duration

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (c Options) withDefaults() Options {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// MomentumMessage is a JSON message sent to stream clients.
type MomentumMessage struct {
	Type string `json:"type"` // "momentum" or "match_end"
	model.MomentumSample
	// Dropped counts samples this client missed since the previous message.
	Dropped int `json:"dropped,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins; the gateway enforces access.
	},
}

// StreamMomentum handles WebSocket upgrade requests at
// GET /api/v1/ws/momentum/{matchID}. Each connection gets its own
// subscription, so a slow client only loses its own samples.
func (s *Service) StreamMomentum(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.engine.Subscribe(matchID)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(s.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	slog.Debug("ws client subscribed", "match", matchID)
	for {
		u, err := sub.Next(ctx)
		if errors.Is(err, broadcast.ErrClosed) {
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			conn.WriteJSON(MomentumMessage{Type: "match_end", MomentumSample: model.MomentumSample{MatchID: matchID}})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "match ended"),
				time.Now().Add(s.opts.WriteWait))
			return
		}
		if err != nil {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
		if err := conn.WriteJSON(MomentumMessage{Type: "momentum", MomentumSample: u.Sample, Dropped: u.Dropped}); err != nil {
			slog.Debug("ws write failed", "match", matchID, "err", err)
			return
		}
	}
}
