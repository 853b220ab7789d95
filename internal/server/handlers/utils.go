package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/mux"
)

// RespondJSON sends a JSON response with the given status code and data
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// RespondError sends {"error": msg}.
func RespondError(w http.ResponseWriter, statusCode int, msg string) {
	RespondJSON(w, statusCode, map[string]string{"error": msg})
}

// StreamDTO is the wire form of one stream's statistics
type StreamDTO struct {
	Stream          core.StreamID `json:"stream"`
	Samples         int64         `json:"samples"`
	SilenceSamples  int64         `json:"silence_samples"`
	SilenceMs       int64         `json:"silence_ms"`
	EmittedMs       int64         `json:"emitted_ms"`
	Underruns       int64         `json:"underruns"`
	PreRollDiscards int64         `json:"pre_roll_discards"`
	TrimmedBytes    int64         `json:"trimmed_bytes"`
	DroppedFrames   int64         `json:"dropped_frames"`
}

// RecordingDTO is the wire form of a recording
type RecordingDTO struct {
	ID        string      `json:"id"`
	State     string      `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	Streams   []StreamDTO `json:"streams"`
}

func toStreamDTO(id core.StreamID, st mux.Stats) StreamDTO {
	return StreamDTO{
		Stream:          id,
		Samples:         st.Samples,
		SilenceSamples:  st.SilenceSamples,
		SilenceMs:       st.SilenceDuration.Milliseconds(),
		EmittedMs:       st.Emitted.Milliseconds(),
		Underruns:       st.Underruns,
		PreRollDiscards: st.PreRollDiscards,
		TrimmedBytes:    st.TrimmedBytes,
		DroppedFrames:   st.DroppedFrames,
	}
}

// ToDTO snapshots a recording. Streams keep the recording's order.
func ToDTO(rec Recording) RecordingDTO {
	stats := rec.Stats()
	dto := RecordingDTO{
		ID:        rec.ID(),
		State:     rec.State(),
		CreatedAt: rec.CreatedAt(),
		Streams:   make([]StreamDTO, 0, len(stats)),
	}
	for _, id := range rec.Streams() {
		dto.Streams = append(dto.Streams, toStreamDTO(id, stats[id]))
	}
	return dto
}

func sortByCreation(recs []Recording) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt().Equal(recs[j].CreatedAt()) {
			return recs[i].ID() < recs[j].ID()
		}
		return recs[i].CreatedAt().Before(recs[j].CreatedAt())
	})
}
