package game

import "errors"

type Status string

const (
	StatusLobby   Status = "LOBBY"
	StatusRoom    Status = "ROOM"
	StatusPlaying Status = "PLAYING"
)

type Phase string

const (
	PhaseConfig        Phase = "CONFIG"
	PhaseActive        Phase = "ACTIVE"
	PhaseResultsRate   Phase = "RESULTS_RATE"
	PhaseResultsScores Phase = "RESULTS_SCORES"
	PhaseFinal         Phase = "FINAL"
)

const (
	DefaultTargetRate    = 120
	DefaultRoundDuration = 15 // seconds

	MinRate = 20 // exclusive
	MaxRate = 400

	MaxRoundDuration = 300
)

var (
	ErrBadTransition  = errors.New("transition not allowed in current phase")
	ErrInvalidRound   = errors.New("invalid round settings")
	ErrInvalidReading = errors.New("rate reading out of range")
	ErrUnknownPlayer  = errors.New("player is not in the roster")
	ErrDuplicate      = errors.New("player already in the roster")
	ErrNoGuests       = errors.New("at least one guest is required")
)

// Participant is one roster entry.
type Participant struct {
	ID         string
	Nickname   string
	Rate       int
	LastInput  int64 // unix ms of the last tap, 0 if none
	IsHost     bool
	TotalScore int
	RoundScore int
}

// State is the full session state. The host holds the canonical copy, guests
// hold whatever the host sent last.
type State struct {
	Roster        []Participant
	TargetRate    int
	Status        Status
	Phase         Phase
	RoundDuration int // seconds
	Remaining     int // seconds
}

// Lobby is the state of a process that is in no session.
func Lobby() State {
	return State{
		TargetRate:    DefaultTargetRate,
		Status:        StatusLobby,
		Phase:         PhaseConfig,
		RoundDuration: DefaultRoundDuration,
	}
}

func (s State) Clone() State {
	s.Roster = append([]Participant(nil), s.Roster...)
	return s
}

func (s State) Player(id string) (Participant, bool) {
	for _, p := range s.Roster {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Host returns the host entry of the roster.
func (s State) Host() (Participant, bool) {
	for _, p := range s.Roster {
		if p.IsHost {
			return p, true
		}
	}
	return Participant{}, false
}

// Guests returns roster entries that compete.
func (s State) Guests() []Participant {
	out := make([]Participant, 0, len(s.Roster))
	for _, p := range s.Roster {
		if !p.IsHost {
			out = append(out, p)
		}
	}
	return out
}

// ForGuestView hides what a guest must not see: the target while a round is
// running.
func (s State) ForGuestView() State {
	s = s.Clone()
	if s.Phase == PhaseActive {
		s.TargetRate = 0
	}
	return s
}

// PlausibleRate reports whether r is inside the accepted reading band.
func PlausibleRate(r int) bool {
	return r > MinRate && r < MaxRate
}
