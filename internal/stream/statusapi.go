package stream

import (
	"encoding/json"
	"net/http"

	"github.com/ripstream/ripstream/internal/rstats"
)

// apiResponse is the standard JSON envelope for the status endpoint,
// grounded on gocast's admin API's ConfigAPIResponse.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// statusDTO is the read-only session snapshot served over HTTP,
// per spec.md §5's status callback surface.
type statusDTO struct {
	State     string          `json:"state"`
	Track     trackDTO        `json:"current_track"`
	Session   rstats.Snapshot `json:"session"`
	Listeners int             `json:"relay_listeners"`
}

type trackDTO struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	Album  string `json:"album"`
}

// StatusHandler serves a read-only JSON snapshot of a Supervisor's
// current state at GET /status.
func (s *Supervisor) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		s.mu.Lock()
		sched := s.sched
		relay := s.relay
		s.mu.Unlock()

		dto := statusDTO{Session: s.stats.Snapshot()}
		if sched != nil {
			dto.State = sched.State().String()
			cur := sched.CurrentTrack()
			dto.Track = trackDTO{Artist: cur.Artist, Title: cur.Title, Album: cur.Album}
		}
		if relay != nil {
			dto.Listeners = relay.ListenerCount()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(apiResponse{Success: true, Data: dto})
	})
}
