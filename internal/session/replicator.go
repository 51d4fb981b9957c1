package session

import (
	"errors"

	"example.com/bpm-party/internal/game"
	"example.com/bpm-party/internal/protocol"
)

// broadcastStateLocked sends the full canonical state to every open channel,
// pending guests included.
func (c *Controller) broadcastStateLocked() {
	st := c.match.State()
	c.broadcastLocked(st.Snapshot())
	c.hooks.state(st)
}

// applySnapshotLocked replaces the guest's shadow state wholesale.
func (c *Controller) applySnapshotLocked(u protocol.StateUpdate) {
	prev := c.shadow
	c.shadow = game.FromSnapshot(u)

	if c.admission != AdmissionAccepted {
		return
	}
	if c.shadow.Status == game.StatusPlaying && (prev.Phase != c.shadow.Phase || prev.Status != c.shadow.Status) {
		c.enterPhaseLocked(c.shadow.Phase)
	}
	c.hooks.state(c.viewLocked())
}

// enterPhaseLocked keeps the local estimator in step with the round: it only
// runs during ACTIVE and starts from scratch in CONFIG and ACTIVE.
func (c *Controller) enterPhaseLocked(ph game.Phase) {
	c.tapper.Reset()
	switch ph {
	case game.PhaseConfig, game.PhaseActive:
		c.sendRateLocked(0)
	}
}

func (c *Controller) sendRateLocked(rate int) {
	ch, ok := c.conns[c.room]
	if !ok {
		return
	}
	c.sendLocked(ch, protocol.RateUpdate{Rate: rate, Nickname: c.nickname})
}

// Tap registers one input pulse. On a guest it feeds the estimator and
// reports the pulse to the host, both only while a round runs; on the host it
// only fans the pulse out for visual feedback. The returned rate is the guest's current
// reading.
func (c *Controller) Tap() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.role {
	case RoleHost:
		c.broadcastLocked(protocol.TapEvent{})
		return 0, nil
	case RoleGuest:
	default:
		return 0, ErrNoSession
	}
	if c.admission != AdmissionAccepted {
		return 0, ErrNotAdmitted
	}

	ch, ok := c.conns[c.room]
	if !ok {
		return 0, ErrChannelFault
	}
	if c.shadow.Status == game.StatusPlaying && c.shadow.Phase == game.PhaseActive {
		if rate, changed := c.tapper.Pulse(c.cfg.Clock.Now()); changed {
			c.sendLocked(ch, protocol.RateUpdate{Rate: rate, Nickname: c.nickname})
		}
		c.sendLocked(ch, protocol.TapEvent{})
	}
	return c.tapper.Rate(), nil
}

// ResetRate drops the guest's reading and series.
func (c *Controller) ResetRate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleGuest {
		return ErrNotGuest
	}
	if c.admission != AdmissionAccepted {
		return ErrNotAdmitted
	}
	c.tapper.Reset()
	if c.shadow.Status == game.StatusPlaying {
		switch c.shadow.Phase {
		case game.PhaseConfig, game.PhaseActive:
			c.sendRateLocked(0)
		}
	}
	return nil
}

// Rate is the guest's current local reading.
func (c *Controller) Rate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tapper.Rate()
}

// handleRateLocked folds a guest reading into the canonical state. Readings
// from ids that are not on the roster and readings out of band are dropped.
func (c *Controller) handleRateLocked(from string, u protocol.RateUpdate) {
	if err := c.match.SetRate(from, u.Rate); err != nil {
		switch {
		case errors.Is(err, game.ErrUnknownPlayer):
			c.logger.Info().Str("player", from).Str("nickname", u.Nickname).Msg("rate from non-member ignored")
		default:
			c.logger.Debug().Err(err).Str("player", from).Int("rate", u.Rate).Msg("rate dropped")
		}
		return
	}
	c.broadcastStateLocked()
}

// handleTapLocked records a guest pulse on the host while a round runs, or
// surfaces a pulse the host fanned out on a guest.
func (c *Controller) handleTapLocked(from, sender string) {
	switch c.role {
	case RoleHost:
		if c.match.Status() != game.StatusPlaying || c.match.Phase() != game.PhaseActive {
			return
		}
		if err := c.match.Touch(from, c.cfg.Clock.Now().UnixMilli()); err != nil {
			return
		}
		c.broadcastStateLocked()
	case RoleGuest:
		if from != c.room || c.admission != AdmissionAccepted {
			return
		}
		c.hooks.tap(sender)
	}
}
