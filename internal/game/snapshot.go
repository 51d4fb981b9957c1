package game

import "example.com/bpm-party/internal/protocol"

// Snapshot serializes the whole state for a STATE_UPDATE. There is no diff
// form.
func (s State) Snapshot() protocol.StateUpdate {
	roster := make([]protocol.PlayerPayload, 0, len(s.Roster))
	for _, p := range s.Roster {
		roster = append(roster, protocol.PlayerPayload{
			ID:         p.ID,
			Nickname:   p.Nickname,
			Rate:       p.Rate,
			LastInput:  p.LastInput,
			IsHost:     p.IsHost,
			TotalScore: p.TotalScore,
			RoundScore: p.RoundScore,
		})
	}
	return protocol.StateUpdate{
		Roster:               roster,
		TargetRate:           s.TargetRate,
		Status:               string(s.Status),
		RoundPhase:           string(s.Phase),
		RoundDurationSeconds: s.RoundDuration,
		RemainingSeconds:     s.Remaining,
	}
}

// FromSnapshot rebuilds a State from a received STATE_UPDATE verbatim.
func FromSnapshot(u protocol.StateUpdate) State {
	roster := make([]Participant, 0, len(u.Roster))
	for _, p := range u.Roster {
		roster = append(roster, Participant{
			ID:         p.ID,
			Nickname:   p.Nickname,
			Rate:       p.Rate,
			LastInput:  p.LastInput,
			IsHost:     p.IsHost,
			TotalScore: p.TotalScore,
			RoundScore: p.RoundScore,
		})
	}
	return State{
		Roster:        roster,
		TargetRate:    u.TargetRate,
		Status:        Status(u.Status),
		Phase:         Phase(u.RoundPhase),
		RoundDuration: u.RoundDurationSeconds,
		Remaining:     u.RemainingSeconds,
	}
}
