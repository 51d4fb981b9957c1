// Package session runs one participant of a party session: the host keeps the
// canonical state and replicates it, a guest mirrors it and reports input.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"example.com/bpm-party/internal/game"
	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/transport"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

type Controller struct {
	cfg    Config
	hooks  Hooks
	logger zerolog.Logger

	mu       sync.Mutex
	gen      uint64 // bumped on every session start and teardown
	role     Role
	self     string
	nickname string
	ep       transport.Endpoint
	conns    map[string]transport.Channel

	// host
	match      *game.Match
	pending    []PendingJoin
	rejecting  map[string]rejection
	rounds     int
	roundToken int64
	roundTimer clockwork.Timer

	// guest
	room       string
	admission  Admission
	shadow     game.State
	tapper     game.Tapper
	backoff    retry.Backoff
	joinToken  int64
	retryTimer clockwork.Timer
}

func New(cfg Config) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	cfg = cfg.withDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Controller{
		cfg:       cfg,
		hooks:     cfg.Hooks,
		logger:    logger.With().Str("component", "session").Logger(),
		conns:     make(map[string]transport.Channel),
		shadow:    game.Lobby(),
		admission: AdmissionDisconnected,
	}, nil
}

// BecomeHost opens a new room. Each call mints a fresh room id, so after
// ErrIdentityConflict the caller can simply try again.
func (c *Controller) BecomeHost(ctx context.Context, nickname string) (string, error) {
	nick, ok := game.ValidNickname(nickname)
	if !ok {
		return "", ErrInvalidNickname
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleNone {
		return "", ErrInSession
	}

	id := c.cfg.NewRoomID()
	c.gen++
	ep, err := c.cfg.Transport.Open(ctx, id, &handler{c: c, gen: c.gen})
	if err != nil {
		return "", c.openFailedLocked(id, err)
	}

	c.role = RoleHost
	c.self = id
	c.room = id
	c.nickname = nick
	c.ep = ep
	c.match = game.NewMatch(id, nick)
	c.pending = nil
	c.rounds = 0

	c.logger.Info().Str("room", id).Str("nickname", nick).Msg("room opened")
	c.hooks.state(c.viewLocked())
	return id, nil
}

// BecomeGuest joins the room behind roomID, which may be a bare id or a
// share link.
func (c *Controller) BecomeGuest(ctx context.Context, nickname, roomID string) (string, error) {
	nick, ok := game.ValidNickname(nickname)
	if !ok {
		return "", ErrInvalidNickname
	}
	room, err := protocol.NormalizeRoomID(roomID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleNone {
		return "", ErrInSession
	}

	id := c.cfg.NewGuestID()
	c.gen++
	ep, err := c.cfg.Transport.Open(ctx, id, &handler{c: c, gen: c.gen})
	if err != nil {
		return "", c.openFailedLocked(id, err)
	}

	c.role = RoleGuest
	c.self = id
	c.room = room
	c.nickname = nick
	c.ep = ep
	c.shadow = game.Lobby()
	c.tapper.Reset()
	c.admission = AdmissionOpening
	c.backoff = c.cfg.joinBackoff()

	ch, err := ep.Connect(ctx, room)
	if err != nil {
		c.teardownLocked(AdmissionDisconnected)
		err = fmt.Errorf("%w: %w", ErrConnectivity, err)
		c.hooks.notice(err, "Could not reach the room.")
		return "", err
	}
	c.conns[room] = ch

	c.logger.Info().Str("room", room).Str("id", id).Msg("joining room")
	return id, nil
}

func (c *Controller) openFailedLocked(id string, err error) error {
	c.gen++
	if errors.Is(err, transport.ErrIdentityTaken) {
		err = fmt.Errorf("%w: %s", ErrIdentityConflict, id)
		c.hooks.notice(err, "That room id is taken, try again.")
		return err
	}
	err = fmt.Errorf("%w: %w", ErrConnectivity, err)
	c.hooks.notice(err, "Could not open a connection.")
	return err
}

// Leave ends the local session. A host tells its guests first.
func (c *Controller) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role == RoleNone {
		return
	}
	if c.role == RoleHost {
		c.broadcastLocked(protocol.SessionClosed{})
	}
	c.logger.Info().Str("role", string(c.role)).Msg("leaving session")
	c.teardownLocked(AdmissionDisconnected)
}

// teardownLocked stops the timers before closing anything, then returns to the
// lobby. final is the admission state left for guests to inspect.
func (c *Controller) teardownLocked(final Admission) {
	if c.roundTimer != nil {
		c.roundTimer.Stop()
		c.roundTimer = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	for id := range c.rejecting {
		c.forgetRejectionLocked(id)
	}
	c.roundToken++
	c.joinToken++
	c.gen++

	for _, ch := range c.channelsLocked() {
		_ = ch.Close()
	}
	c.conns = make(map[string]transport.Channel)
	if c.ep != nil {
		if err := c.ep.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close endpoint")
		}
		c.ep = nil
	}

	c.role = RoleNone
	c.self = ""
	c.room = ""
	c.match = nil
	c.pending = nil
	c.shadow = game.Lobby()
	c.tapper.Reset()
	c.backoff = nil
	c.admission = final

	c.hooks.state(c.viewLocked())
}

// State returns the local session state: the canonical one on a host, the
// last received snapshot on an admitted guest, the lobby otherwise.
func (c *Controller) State() game.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// View is State with what the local user must not see removed.
func (c *Controller) View() game.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) stateLocked() game.State {
	switch {
	case c.role == RoleHost:
		return c.match.State()
	case c.role == RoleGuest && c.admission == AdmissionAccepted:
		return c.shadow.Clone()
	default:
		return game.Lobby()
	}
}

func (c *Controller) viewLocked() game.State {
	st := c.stateLocked()
	if c.role == RoleGuest {
		return st.ForGuestView()
	}
	return st
}

func (c *Controller) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Identity is the local id, empty outside a session.
func (c *Controller) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Room is the room id of the current session.
func (c *Controller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Controller) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// Dispatch handles one inbound envelope on ch against the current session.
func (c *Controller) Dispatch(ch transport.Channel, env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatchLocked(ch, env)
}

func (c *Controller) dispatchLocked(ch transport.Channel, env protocol.Envelope) {
	if c.role == RoleNone {
		return
	}
	msg, err := protocol.Decode(env)
	if err != nil {
		c.logger.Warn().Err(err).Str("remote", ch.Remote()).Str("type", string(env.Type)).Msg("dropping message")
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRequest:
		if c.role != RoleHost {
			break
		}
		c.handleJoinRequestLocked(ch, m)
	case protocol.JoinResponse:
		if c.role != RoleGuest || ch.Remote() != c.room {
			break
		}
		c.handleJoinResponseLocked(m)
	case protocol.StateUpdate:
		if c.role != RoleGuest || ch.Remote() != c.room || env.SenderID != c.room {
			c.logger.Debug().Str("remote", ch.Remote()).Msg("snapshot from non-host ignored")
			break
		}
		c.applySnapshotLocked(m)
	case protocol.RateUpdate:
		if c.role != RoleHost {
			break
		}
		c.handleRateLocked(ch.Remote(), m)
	case protocol.TapEvent:
		c.handleTapLocked(ch.Remote(), env.SenderID)
	case protocol.SessionClosed:
		if c.role != RoleGuest || ch.Remote() != c.room {
			break
		}
		c.logger.Info().Str("room", c.room).Msg("host closed the session")
		c.hooks.notice(ErrSessionClosed, "The host closed the room.")
		c.teardownLocked(AdmissionDisconnected)
	}
}

func (c *Controller) handleOpen(gen uint64, ch transport.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}

	switch c.role {
	case RoleHost:
		if old, ok := c.conns[ch.Remote()]; ok && old != ch {
			_ = old.Close()
		}
		c.conns[ch.Remote()] = ch
		c.sendLocked(ch, c.match.State().Snapshot())
	case RoleGuest:
		if ch.Remote() != c.room {
			c.logger.Warn().Str("remote", ch.Remote()).Msg("unexpected channel on guest")
			_ = ch.Close()
			return
		}
		c.conns[c.room] = ch
		c.startJoinLocked()
	}
}

func (c *Controller) handleClose(gen uint64, ch transport.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	remote := ch.Remote()
	if cur, ok := c.conns[remote]; !ok || cur != ch {
		return
	}
	delete(c.conns, remote)

	switch c.role {
	case RoleHost:
		c.dropPeerLocked(remote)
	case RoleGuest:
		if c.admission == AdmissionAccepted {
			c.hooks.notice(ErrChannelFault, "Lost connection to the host.")
		} else {
			c.hooks.notice(ErrConnectivity, "The room closed the connection.")
		}
		c.teardownLocked(AdmissionDisconnected)
	}
}

func (c *Controller) handleError(gen uint64, ch transport.Channel, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}

	if ch == nil {
		c.logger.Error().Err(err).Msg("transport failed")
		c.hooks.notice(fmt.Errorf("%w: %w", ErrChannelFault, err), "Connection lost.")
		c.teardownLocked(AdmissionDisconnected)
		return
	}

	remote := ch.Remote()
	c.logger.Warn().Err(err).Str("remote", remote).Msg("channel error")
	switch c.role {
	case RoleHost:
		if cur, ok := c.conns[remote]; ok && cur == ch {
			delete(c.conns, remote)
			_ = ch.Close()
			c.dropPeerLocked(remote)
		}
	case RoleGuest:
		if remote != c.room {
			return
		}
		if errors.Is(err, transport.ErrPeerUnavailable) {
			c.hooks.notice(fmt.Errorf("%w: %w", ErrConnectivity, err), "The room does not exist or the id is wrong.")
		} else if c.admission == AdmissionAccepted {
			c.hooks.notice(fmt.Errorf("%w: %w", ErrChannelFault, err), "Lost connection to the host.")
		} else {
			c.hooks.notice(fmt.Errorf("%w: %w", ErrConnectivity, err), "Could not reach the room.")
		}
		c.teardownLocked(AdmissionDisconnected)
	}
}

// dropPeerLocked forgets everything about a guest whose channel went away.
func (c *Controller) dropPeerLocked(id string) {
	c.forgetRejectionLocked(id)
	if c.removePendingLocked(id) {
		c.hooks.pending(c.pendingLocked())
	}
	if c.match.Remove(id) {
		c.logger.Info().Str("player", id).Msg("player left")
		c.broadcastStateLocked()
	}
}

func (c *Controller) sendLocked(ch transport.Channel, msg protocol.Message) {
	if err := ch.Send(protocol.Encode(c.self, msg)); err != nil {
		c.logger.Debug().Err(err).Str("remote", ch.Remote()).Str("type", string(msg.Kind())).Msg("send failed")
	}
}

// channelsLocked copies the connection table so sends and closes can run
// while handlers change it.
func (c *Controller) channelsLocked() []transport.Channel {
	out := make([]transport.Channel, 0, len(c.conns))
	for _, ch := range c.conns {
		out = append(out, ch)
	}
	return out
}

func (c *Controller) broadcastLocked(msg protocol.Message) {
	for _, ch := range c.channelsLocked() {
		if ch.IsOpen() {
			c.sendLocked(ch, msg)
		}
	}
}

// handler binds transport events to one session generation so events from a
// torn down endpoint are ignored.
type handler struct {
	c   *Controller
	gen uint64
}

func (h *handler) HandleOpen(ch transport.Channel) { h.c.handleOpen(h.gen, ch) }

func (h *handler) HandleMessage(ch transport.Channel, env protocol.Envelope) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.gen != h.c.gen {
		return
	}
	h.c.dispatchLocked(ch, env)
}

func (h *handler) HandleClose(ch transport.Channel) { h.c.handleClose(h.gen, ch) }

func (h *handler) HandleError(ch transport.Channel, err error) { h.c.handleError(h.gen, ch, err) }
