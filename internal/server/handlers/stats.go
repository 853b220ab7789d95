package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const statsWriteTimeout = 5 * time.Second

// HandleStats handles GET /sessions/{id}/stats: a websocket pushing a
// RecordingDTO every StatsInterval and once more when the recording stops.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := h.service.GetRecording(id)
	if !ok {
		RespondError(w, http.StatusNotFound, ErrRecordingNotFound.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Stats websocket upgrade failed", "id", id, "error", err)
		return
	}
	defer conn.Close()

	// drain client frames so close and ping are processed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() error {
		conn.SetWriteDeadline(time.Now().Add(statsWriteTimeout))
		return conn.WriteJSON(ToDTO(rec))
	}

	interval := h.StatsInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-rec.Done():
			send()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording stopped"),
				time.Now().Add(statsWriteTimeout))
			return
		case <-ticker.C:
			if err := send(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("Stats websocket write failed", "id", id, "error", err)
				}
				return
			}
		}
	}
}
