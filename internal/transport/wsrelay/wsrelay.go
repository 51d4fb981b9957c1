// Package wsrelay carries transport frames over a websocket to the relay
// server, which switches them to the other endpoints.
package wsrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"example.com/bpm-party/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultPingInterval = 30 * time.Second

	defaultTXBuffer             = 256
	defaultHTTPTimeout          = 10 * time.Second
	defaultHandshakeTimeout     = 5 * time.Second
	defaultWriteDeadline        = 5 * time.Second
	defaultCloseWriteDeadline   = 2 * time.Second
	defaultRequestRetries       = 2
	defaultRequestRetryBackoff  = 250 * time.Millisecond
	defaultMaxInboundFrameBytes = 1 << 20
)

var (
	ErrSendBufferFull = errors.New("relay send buffer full")
	ErrRelay          = errors.New("relay request failed")
)

type Config struct {
	// BaseURL is the relay's http(s) root, e.g. https://relay.example.
	BaseURL      string
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	Logger       *zerolog.Logger
}

// Transport opens endpoints on a relay server. Each endpoint reserves its
// identity over HTTP and then holds one websocket.
type Transport struct {
	base       *url.URL
	http       *http.Client
	dialer     *websocket.Dialer
	ping       time.Duration
	baseLogger *zerolog.Logger
	log        zerolog.Logger

	mu     sync.Mutex
	tokens map[string]string // identity -> token
}

func New(cfg Config) (*Transport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("relay url %q: %w", cfg.BaseURL, errors.Join(ErrRelay, err))
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Transport{
		base:       base,
		http:       cfg.HTTPClient,
		dialer:     cfg.Dialer,
		ping:       cfg.PingInterval,
		baseLogger: cfg.Logger,
		log:        logger.With().Str("component", "wsrelay").Logger(),
		tokens:     make(map[string]string),
	}, nil
}

func (t *Transport) Open(ctx context.Context, id string, h transport.Handler) (transport.Endpoint, error) {
	token, err := t.reserve(ctx, id)
	if err != nil {
		return nil, err
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.wsURL(token), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, transport.ErrIdentityTaken
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	ep := &endpoint{
		t:    t,
		ws:   ws,
		tx:   make(chan transport.Frame, defaultTXBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  t.log.With().Str("endpoint", id).Logger(),
	}
	ep.mux = transport.NewMux(transport.MuxConfig{
		ID:      id,
		Handler: h,
		Write:   ep.write,
		Logger:  t.baseLogger,
	})
	go ep.writer()
	go ep.reader()

	t.mu.Lock()
	t.tokens[id] = token
	t.mu.Unlock()
	t.log.Info().Str("endpoint", id).Msg("attached to relay")
	return ep, nil
}

// Token returns the relay token held for id, if an endpoint was opened for it.
func (t *Transport) Token(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.tokens[id]
	return tok, ok
}

type identityResponse struct {
	Token string `json:"token"`
}

func (t *Transport) reserve(ctx context.Context, id string) (string, error) {
	var token string
	err := t.request(ctx, http.MethodPost, "/api/identities/"+url.PathEscape(id), "", nil, func(resp *http.Response) error {
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusOK:
		case http.StatusConflict:
			return transport.ErrIdentityTaken
		default:
			return fmt.Errorf("reserve identity: status %d: %w", resp.StatusCode, ErrRelay)
		}
		var body identityResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("reserve identity: %w", err)
		}
		token = body.Token
		return nil
	})
	return token, err
}

// request performs one JSON call against the relay. Network failures and 5xx
// answers are retried a couple of times; everything else is returned as is.
func (t *Transport) request(ctx context.Context, method, path, token string, body any, handle func(*http.Response) error) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	backoff := retry.WithMaxRetries(defaultRequestRetries, retry.NewConstant(defaultRequestRetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, t.base.String()+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := t.http.Do(req)
		if err != nil {
			return retry.RetryableError(errors.Join(ErrRelay, err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode != http.StatusServiceUnavailable {
			return retry.RetryableError(fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, ErrRelay))
		}
		return handle(resp)
	})
}

func (t *Transport) wsURL(token string) string {
	u := *t.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String()
}

type endpoint struct {
	t   *Transport
	mux *transport.Mux
	ws  *websocket.Conn
	log zerolog.Logger

	tx   chan transport.Frame
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

func (e *endpoint) ID() string { return e.mux.ID() }

func (e *endpoint) Connect(ctx context.Context, remote string) (transport.Channel, error) {
	return e.mux.Connect(ctx, remote)
}

// Close announces the closing channels, flushes what is queued and then
// hangs up.
func (e *endpoint) Close() error {
	err := e.mux.Close()
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done

	e.t.mu.Lock()
	delete(e.t.tokens, e.ID())
	e.t.mu.Unlock()
	return err
}

func (e *endpoint) write(f transport.Frame) error {
	select {
	case <-e.quit:
		return transport.ErrEndpointClosed
	default:
	}
	select {
	case e.tx <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (e *endpoint) writer() {
	defer close(e.done)
	ping := time.NewTicker(e.t.ping)
	defer ping.Stop()

	for {
		select {
		case f := <-e.tx:
			if err := e.send(f); err != nil {
				e.fail(err)
				return
			}
		case <-ping.C:
			if err := e.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteDeadline)); err != nil {
				e.fail(err)
				return
			}
		case <-e.quit:
			e.flush()
			e.hangUp()
			return
		}
	}
}

func (e *endpoint) send(f transport.Frame) error {
	if err := e.ws.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return e.ws.WriteJSON(f)
}

func (e *endpoint) flush() {
	for {
		select {
		case f := <-e.tx:
			if err := e.send(f); err != nil {
				e.log.Debug().Err(err).Msg("flush on close")
				return
			}
		default:
			return
		}
	}
}

func (e *endpoint) hangUp() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := e.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(defaultCloseWriteDeadline)); err != nil {
		e.log.Debug().Err(err).Msg("failed to write close message")
	}
	_ = e.ws.Close()
}

func (e *endpoint) reader() {
	pongWait := e.t.ping + e.t.ping/2
	e.ws.SetReadLimit(defaultMaxInboundFrameBytes)
	_ = e.ws.SetReadDeadline(time.Now().Add(pongWait))
	e.ws.SetPingHandler(func(data string) error {
		_ = e.ws.SetReadDeadline(time.Now().Add(pongWait))
		return e.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteDeadline))
	})
	e.ws.SetPongHandler(func(string) error {
		return e.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f transport.Frame
		if err := e.ws.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				e.log.Warn().Err(err).Msg("bad frame from relay")
				continue
			}
			e.fail(err)
			return
		}
		_ = e.ws.SetReadDeadline(time.Now().Add(pongWait))
		e.mux.Deliver(f)
	}
}

// fail reports a lost relay connection unless the endpoint is closing anyway.
func (e *endpoint) fail(err error) {
	select {
	case <-e.quit:
		return
	default:
	}
	e.log.Warn().Err(err).Msg("relay connection lost")
	e.mux.Fail(fmt.Errorf("relay connection lost: %w", err))
	e.closeOnce.Do(func() { close(e.quit) })
	_ = e.ws.Close()
}
