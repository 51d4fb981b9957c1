package game

// Points maps the distance between a reading and the target to round points.
func Points(rate, target int) int {
	diff := rate - target
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return 3
	case diff <= 1:
		return 2
	case diff <= 2:
		return 1
	}
	return 0
}

// Score applies one round of points to the roster in place. The host never
// scores.
func Score(roster []Participant, target int) {
	for i := range roster {
		p := &roster[i]
		if p.IsHost {
			p.RoundScore = 0
			continue
		}
		pts := Points(p.Rate, target)
		p.RoundScore = pts
		p.TotalScore += pts
	}
}
