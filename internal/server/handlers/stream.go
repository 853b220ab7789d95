package handlers

import (
	"net/http"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/sink"
	"github.com/dchest/uniuri"
)

const liveBufferSize = 256

func tracksOf(rec Recording) []sink.Track {
	var tracks []sink.Track
	for _, id := range rec.Streams() {
		tr := sink.Track{Stream: id}
		if id.IsAudio() {
			tr.Format, _ = rec.Format(id)
		}
		tracks = append(tracks, tr)
	}
	return tracks
}

// HandleStream handles GET /sessions/{id}/stream.mp4: live fragmented MP4
// until the recording stops or the client goes away.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := h.service.GetRecording(id)
	if !ok {
		RespondError(w, http.StatusNotFound, ErrRecordingNotFound.Error())
		return
	}

	subID := "mp4-" + uniuri.NewLen(8)
	samples := rec.Subscribe(subID, liveBufferSize)
	defer rec.Unsubscribe(subID)

	writer := sink.NewFMP4Writer(w, h.logger)
	if err := writer.Initialize(tracksOf(rec)); err != nil {
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	h.logger.Info("Live stream started", "id", id, "subscriber", subID)
	if err := writer.Stream(r.Context(), samples); err != nil {
		h.logger.Warn("Live stream ended with error", "id", id, "error", err)
	}
	if err := writer.Close(); err != nil {
		h.logger.Debug("fMP4 close failed", "id", id, "error", err)
	}
	written := writer.Written()
	h.logger.Info("Live stream finished", "id", id, "video", written[core.StreamVideo])
}
