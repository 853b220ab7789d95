package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/preview"
	"github.com/dchest/uniuri"
	"github.com/pion/webrtc/v4"
)

const answerTimeout = 10 * time.Second

// previewAudio picks the audio stream for a preview: the "audio" query
// parameter if given ("none" disables audio), else the first audio stream.
func previewAudio(rec Recording, query string) (core.StreamID, bool) {
	if query == "none" {
		return "", true
	}
	for _, id := range rec.Streams() {
		if !id.IsAudio() {
			continue
		}
		if query == "" || query == string(id) {
			return id, true
		}
	}
	return "", query == ""
}

// HandlePreviewOffer handles POST /sessions/{id}/preview/offer. The body
// is a session description offer; the response is the answer. The preview
// runs until the peer disconnects or the recording stops.
func (h *Handlers) HandlePreviewOffer(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := h.service.GetRecording(id)
	if !ok {
		RespondError(w, http.StatusNotFound, ErrRecordingNotFound.Error())
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.SDP == "" {
		RespondError(w, http.StatusBadRequest, "invalid offer")
		return
	}
	offer.Type = webrtc.SDPTypeOffer

	audio, ok := previewAudio(rec, r.URL.Query().Get("audio"))
	if !ok {
		RespondError(w, http.StatusBadRequest, "unknown audio stream "+r.URL.Query().Get("audio"))
		return
	}
	var format core.PCMFormat
	if audio != "" {
		format, _ = rec.Format(audio)
	}

	peer, err := preview.New(audio, format)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), answerTimeout)
	defer cancel()
	answer, err := peer.Answer(ctx, offer)
	if err != nil {
		peer.Close()
		h.logger.Error("Failed to answer preview offer", "id", id, "error", err)
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	subID := "preview-" + uniuri.NewLen(8)
	samples := rec.Subscribe(subID, liveBufferSize)
	go func() {
		defer rec.Unsubscribe(subID)
		defer peer.Close()

		streamCtx, stop := context.WithCancel(context.Background())
		defer stop()
		go func() {
			select {
			case <-rec.Done():
			case <-peer.Done():
			}
			stop()
		}()
		peer.Stream(streamCtx, samples)
		h.logger.Info("Preview finished", "id", id, "subscriber", subID)
	}()

	h.logger.Info("Preview started", "id", id, "subscriber", subID, "audio", audio)
	RespondJSON(w, http.StatusOK, answer)
}
