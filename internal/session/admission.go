package session

import (
	"fmt"

	"example.com/bpm-party/internal/game"
	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/transport"
	"github.com/jonboulle/clockwork"
)

// handleJoinRequestLocked queues a join request. Repeats from a pending or
// admitted id, and anything on a channel already turned away, are ignored.
func (c *Controller) handleJoinRequestLocked(ch transport.Channel, req protocol.JoinRequest) {
	id := ch.Remote()
	if c.match.Has(id) || c.pendingIndexLocked(id) >= 0 {
		return
	}
	if r, ok := c.rejecting[id]; ok && r.ch == ch {
		c.logger.Debug().Str("player", id).Msg("join request on a rejected channel ignored")
		return
	}

	nick, ok := game.ValidNickname(req.Nickname)
	if !ok {
		c.logger.Info().Str("player", id).Msg("join request with invalid nickname rejected")
		c.rejectChannelLocked(ch, InvalidNicknameMessage)
		return
	}

	c.pending = append(c.pending, PendingJoin{ID: id, Nickname: nick})
	c.logger.Info().Str("player", id).Str("nickname", nick).Msg("join requested")
	c.hooks.pending(c.pendingLocked())
}

// Accept admits a pending guest and replicates the grown roster.
func (c *Controller) Accept(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleHost {
		return ErrNotHost
	}
	i := c.pendingIndexLocked(id)
	if i < 0 {
		return ErrUnknownRequest
	}
	req := c.pending[i]
	c.removePendingLocked(id)
	c.hooks.pending(c.pendingLocked())

	ch, ok := c.conns[id]
	if !ok || !ch.IsOpen() {
		return fmt.Errorf("%w: %s", ErrChannelFault, id)
	}
	if err := c.match.Join(req.ID, req.Nickname); err != nil {
		return err
	}

	c.sendLocked(ch, protocol.JoinResponse{Accepted: true})
	c.logger.Info().Str("player", id).Str("nickname", req.Nickname).Msg("player admitted")
	c.broadcastStateLocked()
	return nil
}

// Reject turns a pending guest away. The channel closes shortly after so the
// reason reaches the guest.
func (c *Controller) Reject(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleHost {
		return ErrNotHost
	}
	if !c.removePendingLocked(id) {
		return ErrUnknownRequest
	}
	c.hooks.pending(c.pendingLocked())

	if ch, ok := c.conns[id]; ok {
		c.rejectChannelLocked(ch, RejectMessage)
	}
	c.logger.Info().Str("player", id).Msg("player rejected")
	return nil
}

// rejection is a channel that got a negative JOIN_RESPONSE and waits for its
// close timer.
type rejection struct {
	ch    transport.Channel
	timer clockwork.Timer
}

func (c *Controller) rejectChannelLocked(ch transport.Channel, reason string) {
	c.sendLocked(ch, protocol.JoinResponse{Accepted: false, Message: reason})
	if c.rejecting == nil {
		c.rejecting = make(map[string]rejection)
	}
	id := ch.Remote()
	if r, ok := c.rejecting[id]; ok {
		r.timer.Stop()
	}
	c.rejecting[id] = rejection{
		ch: ch,
		timer: c.cfg.Clock.AfterFunc(c.cfg.RejectCloseDelay, func() {
			_ = ch.Close()
		}),
	}
}

// forgetRejectionLocked stops the close timer of a rejected channel.
func (c *Controller) forgetRejectionLocked(id string) {
	if r, ok := c.rejecting[id]; ok {
		r.timer.Stop()
		delete(c.rejecting, id)
	}
}

// Pending lists join requests awaiting a decision, oldest first.
func (c *Controller) Pending() []PendingJoin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Controller) pendingLocked() []PendingJoin {
	return append([]PendingJoin(nil), c.pending...)
}

func (c *Controller) pendingIndexLocked(id string) int {
	for i, p := range c.pending {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) removePendingLocked(id string) bool {
	i := c.pendingIndexLocked(id)
	if i < 0 {
		return false
	}
	c.pending = append(c.pending[:i], c.pending[i+1:]...)
	return true
}

// Admission reports where the guest handshake stands.
func (c *Controller) Admission() Admission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admission
}

// startJoinLocked runs once the channel to the host is open: the request goes
// out now and again on every backoff step until the host answers.
func (c *Controller) startJoinLocked() {
	if c.admission != AdmissionOpening {
		return
	}
	c.admission = AdmissionRequesting
	c.sendJoinRequestLocked()
	c.armJoinRetryLocked(false)
}

func (c *Controller) sendJoinRequestLocked() {
	if ch, ok := c.conns[c.room]; ok {
		c.sendLocked(ch, protocol.JoinRequest{Nickname: c.nickname})
	}
}

// armJoinRetryLocked takes the next backoff step. An exhausted backoff ends
// the attempt with ErrHostUnreachable.
func (c *Controller) armJoinRetryLocked(resend bool) {
	wait, stop := c.backoff.Next()
	if stop {
		c.logger.Warn().Str("room", c.room).Msg("host did not answer, giving up")
		c.hooks.notice(ErrHostUnreachable, "The host is not answering.")
		c.teardownLocked(AdmissionUnreachable)
		return
	}
	if resend {
		c.logger.Debug().Str("room", c.room).Dur("next", wait).Msg("re-sending join request")
		c.sendJoinRequestLocked()
	}

	c.joinToken++
	token, gen := c.joinToken, c.gen
	c.retryTimer = c.cfg.Clock.AfterFunc(wait, func() {
		c.retryJoin(gen, token)
	})
}

func (c *Controller) retryJoin(gen uint64, token int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || token != c.joinToken || c.admission != AdmissionRequesting {
		return
	}
	c.retryTimer = nil
	c.armJoinRetryLocked(true)
}

func (c *Controller) handleJoinResponseLocked(resp protocol.JoinResponse) {
	if c.admission != AdmissionRequesting {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.joinToken++

	if !resp.Accepted {
		reason := resp.Message
		if reason == "" {
			reason = "Entry denied."
		}
		c.logger.Info().Str("room", c.room).Str("reason", reason).Msg("join rejected")
		c.hooks.notice(fmt.Errorf("%w: %s", ErrAdmissionDenied, reason), reason)
		c.teardownLocked(AdmissionRejected)
		return
	}

	c.admission = AdmissionAccepted
	if c.shadow.Status == game.StatusLobby {
		c.shadow.Status = game.StatusRoom
	}
	c.logger.Info().Str("room", c.room).Msg("admitted")
	c.hooks.state(c.viewLocked())
}
