package wsrelay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"example.com/bpm-party/internal/session"
)

type standing struct {
	Position   int    `json:"position"`
	PlayerID   string `json:"playerId"`
	Nickname   string `json:"nickname"`
	TotalScore int    `json:"totalScore"`
}

type resultRequest struct {
	Room       string     `json:"room"`
	Host       string     `json:"host"`
	Rounds     int        `json:"rounds"`
	FinishedAt time.Time  `json:"finishedAt"`
	Standings  []standing `json:"standings"`
}

// Recorder archives finished matches on the relay, authenticated as the
// room's host endpoint.
type Recorder struct {
	t *Transport
}

func NewRecorder(t *Transport) *Recorder {
	return &Recorder{t: t}
}

func (r *Recorder) Record(ctx context.Context, res session.Result) error {
	token, ok := r.t.Token(res.Room)
	if !ok {
		return fmt.Errorf("record %s: no relay token: %w", res.Room, ErrRelay)
	}

	body := resultRequest{
		Room:       res.Room,
		Host:       res.Host,
		Rounds:     res.Rounds,
		FinishedAt: res.FinishedAt.UTC(),
		Standings:  make([]standing, 0, len(res.Standings)),
	}
	for i, p := range res.Standings {
		body.Standings = append(body.Standings, standing{
			Position:   i + 1,
			PlayerID:   p.ID,
			Nickname:   p.Nickname,
			TotalScore: p.TotalScore,
		})
	}

	return r.t.request(ctx, http.MethodPost, "/api/results", token, body, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("record %s: status %d: %w", res.Room, resp.StatusCode, ErrRelay)
		}
		return nil
	})
}
