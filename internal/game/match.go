package game

import (
	"fmt"
	"strings"
)

// Match is the canonical session state plus the round state machine. Only
// the host owns one. Match does no locking; the owner serializes calls.
type Match struct {
	st State
}

func NewMatch(hostID, hostNickname string) *Match {
	st := Lobby()
	st.Status = StatusRoom
	st.Roster = []Participant{{
		ID:       hostID,
		Nickname: hostNickname,
		IsHost:   true,
	}}
	return &Match{st: st}
}

// State returns a copy; callers may keep it.
func (m *Match) State() State {
	return m.st.Clone()
}

func (m *Match) Phase() Phase   { return m.st.Phase }
func (m *Match) Status() Status { return m.st.Status }

func (m *Match) Has(id string) bool {
	return m.indexOf(id) >= 0
}

// Join adds an admitted guest at the end of the roster.
func (m *Match) Join(id, nickname string) error {
	if m.Has(id) {
		return ErrDuplicate
	}
	m.st.Roster = append(m.st.Roster, Participant{ID: id, Nickname: nickname})
	return nil
}

// Remove drops a guest. The host entry is never removed.
func (m *Match) Remove(id string) bool {
	i := m.indexOf(id)
	if i < 0 || m.st.Roster[i].IsHost {
		return false
	}
	m.st.Roster = append(m.st.Roster[:i], m.st.Roster[i+1:]...)
	return true
}

// StartGame moves the room into play.
func (m *Match) StartGame() error {
	if m.st.Status != StatusRoom {
		return fmt.Errorf("%w: start game from %s", ErrBadTransition, m.st.Status)
	}
	if len(m.st.Guests()) == 0 {
		return ErrNoGuests
	}
	m.st.Status = StatusPlaying
	m.st.Phase = PhaseConfig
	m.st.Remaining = 0
	return nil
}

// StartRound is CONFIG -> ACTIVE.
func (m *Match) StartRound(duration, target int) error {
	if err := m.requirePhase(PhaseConfig); err != nil {
		return err
	}
	if duration < 1 || duration > MaxRoundDuration {
		return fmt.Errorf("%w: duration %ds", ErrInvalidRound, duration)
	}
	if !PlausibleRate(target) {
		return fmt.Errorf("%w: target %d", ErrInvalidRound, target)
	}

	for i := range m.st.Roster {
		m.st.Roster[i].Rate = 0
		m.st.Roster[i].RoundScore = 0
	}
	m.st.TargetRate = target
	m.st.RoundDuration = duration
	m.st.Remaining = duration
	m.st.Phase = PhaseActive
	return nil
}

// Tick advances the countdown by one second. The tick that reaches zero also
// ends the round, so there is one state with Remaining == 0.
func (m *Match) Tick() (expired bool, err error) {
	if err := m.requirePhase(PhaseActive); err != nil {
		return false, err
	}
	if m.st.Remaining > 0 {
		m.st.Remaining--
	}
	if m.st.Remaining == 0 {
		m.st.Phase = PhaseResultsRate
		return true, nil
	}
	return false, nil
}

// ShowScores is RESULTS_RATE -> RESULTS_SCORES.
func (m *Match) ShowScores() error {
	if err := m.requirePhase(PhaseResultsRate); err != nil {
		return err
	}
	Score(m.st.Roster, m.st.TargetRate)
	m.st.Phase = PhaseResultsScores
	return nil
}

// NextRound is RESULTS_SCORES -> CONFIG.
func (m *Match) NextRound() error {
	if err := m.requirePhase(PhaseResultsScores); err != nil {
		return err
	}
	m.st.Phase = PhaseConfig
	m.st.Remaining = 0
	return nil
}

// ShowFinal is RESULTS_SCORES -> FINAL.
func (m *Match) ShowFinal() error {
	if err := m.requirePhase(PhaseResultsScores); err != nil {
		return err
	}
	m.st.Phase = PhaseFinal
	return nil
}

// SetRate stores a reading reported by a player. Readings count only while a
// round runs; 0 (a reset) is also allowed in CONFIG.
func (m *Match) SetRate(id string, rate int) error {
	i := m.indexOf(id)
	if i < 0 {
		return ErrUnknownPlayer
	}
	if m.st.Status != StatusPlaying {
		return fmt.Errorf("%w: rate outside play", ErrBadTransition)
	}
	switch {
	case rate == 0 && (m.st.Phase == PhaseActive || m.st.Phase == PhaseConfig):
	case m.st.Phase != PhaseActive:
		return fmt.Errorf("%w: rate in %s", ErrBadTransition, m.st.Phase)
	case !PlausibleRate(rate):
		return fmt.Errorf("%w: %d", ErrInvalidReading, rate)
	}
	m.st.Roster[i].Rate = rate
	return nil
}

// Touch records a tap for visual feedback.
func (m *Match) Touch(id string, atMs int64) error {
	i := m.indexOf(id)
	if i < 0 {
		return ErrUnknownPlayer
	}
	m.st.Roster[i].LastInput = atMs
	return nil
}

// Standings is the final leaderboard.
func (m *Match) Standings() []Participant {
	return Leaderboard(m.st.Roster, m.st.TargetRate, ByTotal)
}

func (m *Match) requirePhase(want Phase) error {
	if m.st.Status != StatusPlaying || m.st.Phase != want {
		return fmt.Errorf("%w: want %s, have %s/%s", ErrBadTransition, want, m.st.Status, m.st.Phase)
	}
	return nil
}

func (m *Match) indexOf(id string) int {
	for i, p := range m.st.Roster {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// ValidNickname applies the lobby rule: at least 2 characters, at most 15.
func ValidNickname(nick string) (string, bool) {
	nick = strings.TrimSpace(nick)
	n := len([]rune(nick))
	return nick, n >= 2 && n <= 15
}
