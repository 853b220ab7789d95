package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/gorilla/websocket"
)

// Handlers serves the recording control and media endpoints.
type Handlers struct {
	service  RecordingService
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// StatsInterval is how often the stats websocket pushes a snapshot.
	StatsInterval time.Duration
}

// New creates handlers backed by service.
func New(service RecordingService) *Handlers {
	return &Handlers{
		service: service,
		logger:  util.GetLogger().With("component", "handlers"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // access is gated by the bearer token
			},
		},
		StatsInterval: 500 * time.Millisecond,
	}
}

// HandleCreate handles POST /sessions. An empty body uses defaults.
func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var opts CreateOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		RespondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if opts.Duration != "" {
		if d, err := time.ParseDuration(opts.Duration); err != nil || d <= 0 {
			RespondError(w, http.StatusBadRequest, "invalid duration "+opts.Duration)
			return
		}
	}
	if opts.FPS < 0 || opts.FPS > 240 {
		RespondError(w, http.StatusBadRequest, "fps out of range")
		return
	}

	rec, err := h.service.CreateRecording(r.Context(), opts)
	if err != nil {
		h.logger.Error("Failed to create recording", "error", err)
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("Recording created", "id", rec.ID(), "streams", rec.Streams())
	RespondJSON(w, http.StatusCreated, ToDTO(rec))
}

// HandleList handles GET /sessions
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	recs := h.service.ListRecordings()
	sortByCreation(recs)
	out := make([]RecordingDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ToDTO(rec))
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": out,
		"count":    len(out),
	})
}

// HandleGet handles GET /sessions/{id}
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request, id string) {
	rec, ok := h.service.GetRecording(id)
	if !ok {
		RespondError(w, http.StatusNotFound, ErrRecordingNotFound.Error())
		return
	}
	RespondJSON(w, http.StatusOK, ToDTO(rec))
}

// HandleDelete handles DELETE /sessions/{id}
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.service.StopRecording(id); err != nil {
		if errors.Is(err, ErrRecordingNotFound) {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		// the recording is gone either way; report the teardown error
		h.logger.Warn("Recording stopped with error", "id", id, "error", err)
		RespondJSON(w, http.StatusOK, map[string]string{"id": id, "error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
