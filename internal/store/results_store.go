package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Standing struct {
	Position   int    `json:"position"`
	PlayerID   string `json:"playerId"`
	Nickname   string `json:"nickname"`
	TotalScore int    `json:"totalScore"`
}

// MatchResult is one archived match: who hosted it, how long it went and the
// final standings, best first.
type MatchResult struct {
	ID         uuid.UUID  `json:"id"`
	Room       string     `json:"room"`
	Host       string     `json:"host"`
	Rounds     int        `json:"rounds"`
	FinishedAt time.Time  `json:"finishedAt"`
	Standings  []Standing `json:"standings"`
}

type ResultsStore struct {
	db *pgxpool.Pool
}

func NewResultsStore(db *pgxpool.Pool) *ResultsStore {
	return &ResultsStore{db: db}
}

// Save stores r and its standings in one transaction. A zero ID is replaced
// with a fresh one.
func (s *ResultsStore) Save(ctx context.Context, r MatchResult) (uuid.UUID, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}

	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO match_results (id, room, host, rounds, finished_at)
			VALUES ($1, $2, $3, $4, $5)
		`, r.ID, r.Room, r.Host, r.Rounds, r.FinishedAt)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}

		batch := &pgx.Batch{}
		for _, st := range r.Standings {
			batch.Queue(`
				INSERT INTO match_standings (result_id, position, player_id, nickname, total_score)
				VALUES ($1, $2, $3, $4, $5)
			`, r.ID, st.Position, st.PlayerID, st.Nickname, st.TotalScore)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert standings: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return r.ID, nil
}

// ListByRoom returns the newest results of a room first.
func (s *ResultsStore) ListByRoom(ctx context.Context, room string, limit int) ([]MatchResult, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, room, host, rounds, finished_at
		FROM match_results
		WHERE room=$1
		ORDER BY finished_at DESC
		LIMIT $2
	`, room, limit)
	if err != nil {
		return nil, err
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MatchResult, error) {
		var r MatchResult
		err := row.Scan(&r.ID, &r.Room, &r.Host, &r.Rounds, &r.FinishedAt)
		return r, err
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return []MatchResult{}, nil
	}

	ids := make([]string, len(results))
	byID := make(map[uuid.UUID]int, len(results))
	for i, r := range results {
		ids[i] = r.ID.String()
		byID[r.ID] = i
		results[i].Standings = []Standing{}
	}

	rows, err = s.db.Query(ctx, `
		SELECT result_id, position, player_id, nickname, total_score
		FROM match_standings
		WHERE result_id = ANY($1::uuid[])
		ORDER BY result_id, position
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var st Standing
		if err := rows.Scan(&id, &st.Position, &st.PlayerID, &st.Nickname, &st.TotalScore); err != nil {
			return nil, err
		}
		i := byID[id]
		results[i].Standings = append(results[i].Standings, st)
	}
	return results, rows.Err()
}
