package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/store"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

const (
	defaultResultsLimit = 20
	maxResultsLimit     = 100
)

type ResultsStore interface {
	Save(ctx context.Context, r store.MatchResult) (uuid.UUID, error)
	ListByRoom(ctx context.Context, room string, limit int) ([]store.MatchResult, error)
}

// ResultsHandler archives finished matches. Results is nil when the relay
// runs without a database.
type ResultsHandler struct {
	Results ResultsStore
	Logger  *zerolog.Logger
}

type CreateResultRequest struct {
	Room       string           `json:"room"`
	Host       string           `json:"host"`
	Rounds     int              `json:"rounds"`
	FinishedAt time.Time        `json:"finishedAt"`
	Standings  []store.Standing `json:"standings"`
}

type CreateResultResponse struct {
	ID uuid.UUID `json:"id"`
}

// Create stores the final standings of a match. Only the host of the room
// may record it.
func (h *ResultsHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Results == nil {
		writeError(w, http.StatusServiceUnavailable, codeResultsUnavailable, "results archive is disabled")
		return
	}
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing identity")
		return
	}

	var req CreateResultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid json")
		return
	}
	req.Room = strings.TrimSpace(req.Room)
	req.Host = strings.TrimSpace(req.Host)

	if req.Room != identity || protocol.IsGuestID(identity) {
		writeError(w, http.StatusForbidden, codeForbidden, "only the room host can record results")
		return
	}
	if req.Host == "" || req.Rounds < 1 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "host and rounds are required")
		return
	}
	if req.FinishedAt.IsZero() {
		req.FinishedAt = time.Now().UTC()
	}

	id, err := h.Results.Save(r.Context(), store.MatchResult{
		Room:       req.Room,
		Host:       req.Host,
		Rounds:     req.Rounds,
		FinishedAt: req.FinishedAt,
		Standings:  req.Standings,
	})
	if err != nil {
		h.logger().Error().Err(err).Str("room", req.Room).Msg("save result")
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to save result")
		return
	}
	writeJSON(w, http.StatusCreated, CreateResultResponse{ID: id})
}

func (h *ResultsHandler) List(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if h.Results == nil {
		writeError(w, http.StatusServiceUnavailable, codeResultsUnavailable, "results archive is disabled")
		return
	}
	room, err := protocol.NormalizeRoomID(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid room id")
		return
	}

	limit := defaultResultsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxResultsLimit {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	results, err := h.Results.ListByRoom(r.Context(), room, limit)
	if err != nil {
		h.logger().Error().Err(err).Str("room", room).Msg("list results")
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to load results")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *ResultsHandler) logger() *zerolog.Logger {
	if h.Logger == nil {
		l := zerolog.Nop()
		return &l
	}
	return h.Logger
}
