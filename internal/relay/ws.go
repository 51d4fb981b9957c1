package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"example.com/bpm-party/internal/auth"
	"example.com/bpm-party/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultPingInterval  = 30 * time.Second
	DefaultMaxFrameBytes = 64 << 10

	defaultReleaseTimeout              = 2 * time.Second
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
)

// TokenVerifier resolves a bearer token to the identity it was issued for.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type Config struct {
	Logger        *zerolog.Logger
	Switch        *Switch
	Registry      Registry
	Tokens        TokenVerifier
	PingInterval  time.Duration
	MaxFrameBytes int64
}

// WebSocket is the relay's frame endpoint: GET /ws?token=...
type WebSocket struct {
	sw       *Switch
	registry Registry
	tokens   TokenVerifier
	upgrader *websocket.Upgrader

	pingInterval  time.Duration
	pongWait      time.Duration
	maxFrameBytes int64

	logger zerolog.Logger
}

func NewWebSocket(cfg Config) *WebSocket {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &WebSocket{
		sw:       cfg.Switch,
		registry: cfg.Registry,
		tokens:   cfg.Tokens,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		pingInterval:  cfg.PingInterval,
		pongWait:      cfg.PingInterval + cfg.PingInterval/2,
		maxFrameBytes: cfg.MaxFrameBytes,
		logger:        logger.With().Str("component", "relay-websocket").Logger(),
	}
}

func (s *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, err := s.sw.Connect(claims.Identity)
	if err != nil {
		http.Error(w, "identity in use", http.StatusConflict)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("endpoint", c.ID).Msg("websocket upgrade failed")
		s.sw.Disconnect(context.Background(), c)
		return
	}

	s.handleConn(ws, c)
}

func (s *WebSocket) handleConn(ws *websocket.Conn, c *Conn) {
	logger := s.logger.With().
		Str("endpoint", c.ID).
		Str("conn", c.Seq.String()).
		Logger()
	logger.Info().Msg("endpoint attached")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recvDone := make(chan struct{})
	sendDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		s.receiver(ctx, ws, c, &logger)
		cancel()
	}()
	go func() {
		defer close(sendDone)
		s.sender(ctx, ws, c, &logger)
		cancel()
	}()

	// the sender owns writes until it returns; closing the socket then
	// unblocks a receiver still waiting in ReadMessage
	<-sendDone
	webSocketCloser(ws, &logger)
	<-recvDone

	s.sw.Disconnect(context.Background(), c)

	relCtx, relCancel := context.WithTimeout(context.Background(), defaultReleaseTimeout)
	defer relCancel()
	if err := s.registry.Release(relCtx, c.ID); err != nil {
		logger.Error().Err(err).Msg("failed to release identity")
	}
	logger.Info().Msg("endpoint detached")
}

func (s *WebSocket) sender(ctx context.Context, ws *websocket.Conn, c *Conn, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-pingTicker.C:
			if err := ws.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return
			}
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				return
			}
		case f := <-c.TX:
			if err := ws.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return
			}
			if err := ws.WriteJSON(f); err != nil {
				logger.Error().Err(err).Msg("failed to write frame")
				return
			}
		}
	}
}

func (s *WebSocket) receiver(ctx context.Context, ws *websocket.Conn, c *Conn, logger *zerolog.Logger) {
	ws.SetReadLimit(s.maxFrameBytes)
	readDeadline := func() error {
		return ws.SetReadDeadline(time.Now().Add(s.pongWait))
	}
	ws.SetPongHandler(func(string) error { return readDeadline() })
	if err := readDeadline(); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Msg("connection closed")
			} else {
				logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		var f transport.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			logger.Warn().Err(err).Msg("failed to unmarshal frame")
			continue
		}
		if err := validFrame(f); err != nil {
			logger.Warn().Err(err).Str("kind", string(f.Kind)).Msg("frame rejected")
			continue
		}
		s.sw.Forward(ctx, c, f)
		if ctx.Err() != nil {
			return
		}
	}
}

var (
	errUnknownKind   = errors.New("unknown frame kind")
	errNoDestination = errors.New("frame without destination")
	errNoEnvelope    = errors.New("data frame without envelope")
)

func validFrame(f transport.Frame) error {
	switch f.Kind {
	case transport.FrameOpen, transport.FrameAccept, transport.FrameClose, transport.FrameError:
	case transport.FrameData:
		if f.Envelope == nil {
			return errNoEnvelope
		}
	default:
		return errUnknownKind
	}
	if f.To == "" {
		return errNoDestination
	}
	return nil
}

func webSocketCloser(ws *websocket.Conn, logger *zerolog.Logger) {
	if err := ws.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline)); err != nil {
		logger.Debug().Err(err).Msg("failed to set websocket write deadline during closing")
	} else if err := ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		logger.Debug().Err(err).Msg("failed to write close message")
	}
	if err := ws.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
