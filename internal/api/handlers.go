package api

import (
	"encoding/json"
	"net/http"
	"time"

	"couchsync/server/internal/room"
)

type Handlers struct {
	rooms *room.Registry
}

func NewHandlers(rooms *room.Registry) *Handlers {
	return &Handlers{rooms: rooms}
}

// HandleGetRoom is a pre-join occupancy probe. The room id is the only
// credential; anyone holding it may also join.
func (h *Handlers) HandleGetRoom(w http.ResponseWriter, r *http.Request, id string) {
	rm, ok := h.rooms.Lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	n := rm.Occupants()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"room_id":      rm.ID(),
		"peer_count":   n,
		"peer_present": n > 0,
		"playing":      rm.Playing(),
		"created_at":   rm.CreatedAt().UTC().Format(time.RFC3339),
	})
}
