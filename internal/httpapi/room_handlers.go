package httpapi

import (
	"net/http"
	"strconv"

	"example.com/bpm-party/internal/protocol"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

type RoomHandler struct {
	ShareBase string
}

// QR renders the room's share link as a PNG.
func (h *RoomHandler) QR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	room, err := protocol.NormalizeRoomID(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid room id")
		return
	}

	size := defaultQRSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minQRSize || n > maxQRSize {
			writeError(w, http.StatusBadRequest, codeBadRequest, "size must be between 64 and 1024")
			return
		}
		size = n
	}

	png, err := qrcode.Encode(protocol.ShareLink(h.ShareBase, room), qrcode.Medium, size)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to render qr code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
