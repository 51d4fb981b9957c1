package game

import "sort"

type RankMode string

const (
	ByRate  RankMode = "RATE"
	ByRound RankMode = "ROUND"
	ByTotal RankMode = "TOTAL"
)

// ModeFor picks the ranking shown in a results phase.
func ModeFor(ph Phase) RankMode {
	switch ph {
	case PhaseResultsRate:
		return ByRate
	case PhaseFinal:
		return ByTotal
	}
	return ByRound
}

// Leaderboard ranks the competing players. The host is never listed.
func Leaderboard(roster []Participant, target int, mode RankMode) []Participant {
	out := make([]Participant, 0, len(roster))
	for _, p := range roster {
		if !p.IsHost {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch mode {
		case ByRate:
			if target == 0 {
				return false
			}
			return absInt(a.Rate-target) < absInt(b.Rate-target)
		case ByRound:
			return a.RoundScore > b.RoundScore
		default:
			return a.TotalScore > b.TotalScore
		}
	})
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
