package httpapi

import (
	"errors"
	"net/http"
	"time"

	"example.com/bpm-party/internal/auth"
	"example.com/bpm-party/internal/protocol"
	"example.com/bpm-party/internal/relay"
	"example.com/bpm-party/internal/transport"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

// IdentityHandler hands out relay identities. A peer reserves the id it
// minted and gets back the token it connects with.
type IdentityHandler struct {
	Registry relay.Registry
	Switch   *relay.Switch
	Auth     *auth.Service
	TTL      time.Duration
	Logger   *zerolog.Logger
}

type IdentityResponse struct {
	Identity  string    `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *IdentityHandler) Reserve(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !protocol.ValidIdentity(id) {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid identity")
		return
	}
	if h.Switch != nil && h.Switch.Online(id) {
		writeError(w, http.StatusConflict, codeIdentityTaken, "identity is in use")
		return
	}

	if err := h.Registry.Reserve(r.Context(), id, h.TTL); err != nil {
		if errors.Is(err, transport.ErrIdentityTaken) {
			writeError(w, http.StatusConflict, codeIdentityTaken, "identity is in use")
			return
		}
		h.logger().Error().Err(err).Str("identity", id).Msg("reserve identity")
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to reserve identity")
		return
	}

	token, err := h.Auth.Issue(id, h.TTL)
	if err != nil {
		_ = h.Registry.Release(r.Context(), id)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusCreated, IdentityResponse{
		Identity:  id,
		Token:     token,
		ExpiresAt: time.Now().Add(h.TTL).UTC(),
	})
}

func (h *IdentityHandler) logger() *zerolog.Logger {
	if h.Logger == nil {
		l := zerolog.Nop()
		return &l
	}
	return h.Logger
}
