package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/mux"
	"github.com/briandowns/spinner"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

// progress shows a spinner with the elapsed time while recording. It is
// inert when stderr is not a terminal.
type progress struct {
	sp      *spinner.Spinner
	started time.Time
	stop    chan struct{}
	done    chan struct{}
}

func startProgress(quiet bool, stats func() map[core.StreamID]mux.Stats) *progress {
	p := &progress{started: time.Now(), stop: make(chan struct{}), done: make(chan struct{})}
	if quiet || !term.IsTerminal(int(os.Stderr.Fd())) {
		close(p.done)
		return p
	}

	p.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	p.sp.Prefix = "  "
	p.sp.Suffix = " Recording..."
	p.sp.Start()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				video := stats()[core.StreamVideo]
				p.sp.Lock()
				p.sp.Suffix = fmt.Sprintf(" Recording %s (%d frames)", time.Since(p.started).Truncate(100*time.Millisecond), video.Samples)
				p.sp.Unlock()
			}
		}
	}()
	return p
}

func (p *progress) Stop() {
	if p.sp == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.sp.Stop()
}

type streamMetadata struct {
	Stream          string `toml:"stream"`
	Samples         int64  `toml:"samples"`
	EmittedMs       int64  `toml:"emitted_ms"`
	SilenceSamples  int64  `toml:"silence_samples"`
	SilenceMs       int64  `toml:"silence_ms"`
	Underruns       int64  `toml:"underruns"`
	PreRollDiscards int64  `toml:"pre_roll_discards"`
	DroppedFrames   int64  `toml:"dropped_frames"`
}

// recordingMetadata is written next to a recording by --metadata.
type recordingMetadata struct {
	Session string           `toml:"session"`
	Output  string           `toml:"output"`
	Format  string           `toml:"format"`
	Started time.Time        `toml:"started"`
	WallMs  int64            `toml:"wall_ms"`
	Streams []streamMetadata `toml:"streams"`
}

func newRecordingMetadata(id, output, format string, started time.Time, wall time.Duration, stats map[core.StreamID]mux.Stats) recordingMetadata {
	meta := recordingMetadata{
		Session: id,
		Output:  output,
		Format:  format,
		Started: started.UTC().Truncate(time.Millisecond),
		WallMs:  wall.Milliseconds(),
	}
	for _, sid := range []core.StreamID{core.StreamVideo, core.StreamMic, core.StreamLoopback} {
		st, ok := stats[sid]
		if !ok {
			continue
		}
		meta.Streams = append(meta.Streams, streamMetadata{
			Stream:          string(sid),
			Samples:         st.Samples,
			EmittedMs:       st.Emitted.Milliseconds(),
			SilenceSamples:  st.SilenceSamples,
			SilenceMs:       st.SilenceDuration.Milliseconds(),
			Underruns:       st.Underruns,
			PreRollDiscards: st.PreRollDiscards,
			DroppedFrames:   st.DroppedFrames,
		})
	}
	return meta
}

func writeMetadata(w io.Writer, meta recordingMetadata) error {
	data, err := toml.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to encode metadata")
	}
	_, err = w.Write(data)
	return err
}

func writeMetadataFile(path string, meta recordingMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := writeMetadata(f, meta); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
