package session

import (
	"context"
	"time"

	"example.com/bpm-party/internal/game"
)

const recordTimeout = 10 * time.Second

// StartGame moves the room into play. At least one guest must be admitted.
func (c *Controller) StartGame() error {
	return c.hostStep(func(m *game.Match) error { return m.StartGame() })
}

// StartRound starts a round of duration seconds aiming at target and runs the
// countdown until it expires.
func (c *Controller) StartRound(duration, target int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleHost {
		return ErrNotHost
	}
	if err := c.match.StartRound(duration, target); err != nil {
		return err
	}
	c.rounds++
	c.logger.Info().Int("round", c.rounds).Int("duration", duration).Int("target", target).Msg("round started")
	c.startCountdownLocked()
	c.broadcastStateLocked()
	return nil
}

func (c *Controller) ShowScores() error {
	return c.hostStep(func(m *game.Match) error { return m.ShowScores() })
}

func (c *Controller) NextRound() error {
	return c.hostStep(func(m *game.Match) error { return m.NextRound() })
}

// ShowFinal reveals the final standings and hands them to the Recorder.
func (c *Controller) ShowFinal() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleHost {
		return ErrNotHost
	}
	if err := c.match.ShowFinal(); err != nil {
		return err
	}
	c.broadcastStateLocked()
	c.recordLocked()
	return nil
}

// Standings ranks the guests by total score.
func (c *Controller) Standings() []game.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked()
	return game.Leaderboard(st.Roster, st.TargetRate, game.ByTotal)
}

// Leaderboard ranks the guests the way the current phase presents them.
func (c *Controller) Leaderboard() []game.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked()
	return game.Leaderboard(st.Roster, st.TargetRate, game.ModeFor(st.Phase))
}

func (c *Controller) hostStep(step func(*game.Match) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleHost {
		return ErrNotHost
	}
	if err := step(c.match); err != nil {
		return err
	}
	c.logger.Info().Str("status", string(c.match.Status())).Str("phase", string(c.match.Phase())).Msg("phase changed")
	c.broadcastStateLocked()
	return nil
}

// startCountdownLocked arms the first tick. A new token makes ticks of any
// earlier round harmless.
func (c *Controller) startCountdownLocked() {
	if c.roundTimer != nil {
		c.roundTimer.Stop()
	}
	c.roundToken++
	c.armTickLocked(c.roundToken)
}

func (c *Controller) armTickLocked(token int64) {
	c.roundTimer = c.cfg.Clock.AfterFunc(c.cfg.TickInterval, func() {
		c.tick(token)
	})
}

func (c *Controller) tick(token int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleHost || token != c.roundToken {
		return // stale timer
	}
	expired, err := c.match.Tick()
	if err != nil {
		c.roundTimer = nil
		return
	}
	c.broadcastStateLocked()
	if expired {
		c.roundTimer = nil
		c.logger.Info().Int("round", c.rounds).Msg("round expired")
		return
	}
	c.armTickLocked(token)
}

func (c *Controller) recordLocked() {
	if c.cfg.Recorder == nil {
		return
	}
	res := Result{
		Room:       c.room,
		Host:       c.nickname,
		Rounds:     c.rounds,
		Standings:  c.match.Standings(),
		FinishedAt: c.cfg.Clock.Now(),
	}
	rec, logger := c.cfg.Recorder, c.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := rec.Record(ctx, res); err != nil {
			logger.Error().Err(err).Str("room", res.Room).Msg("failed to record match result")
			return
		}
		logger.Info().Str("room", res.Room).Int("players", len(res.Standings)).Msg("match result recorded")
	}()
}
