package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/config"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/mux"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/pipeline"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/sink"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
)

type RecordOptions struct {
	VideoFile string
	FPS       int
	Loop      bool
	Mic       string
	Loopback  string
	Stalls    []string
	Duration  time.Duration
	Format    string
	OutputDir string
	Output    string
	Metadata  bool
	Quiet     bool
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [flags]",
		Short: "Record video and audio into a container file",
		Long: `Record a video source together with optional microphone and loopback audio.
Audio that goes missing is replaced by silence so every stream stays aligned with the video.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteRecord(cmd, opts)
		},
		Example: `  # Record 10 seconds of the test pattern with a tone on the mic track:
  gbox-recorder record --mic tone --duration 10s

  # Replay an H.264 capture with raw PCM system audio into Matroska:
  gbox-recorder record --video screen.h264 --loopback system.pcm --format mkv

  # Simulate a 300ms mic dropout two seconds in:
  gbox-recorder record --mic tone --stall 2s:300ms --duration 5s`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.VideoFile, "video", "", "Annex-B H.264 file to replay (default: synthetic test pattern)")
	flags.IntVar(&opts.FPS, "fps", 0, "Video frame rate (default from config)")
	flags.BoolVar(&opts.Loop, "loop", false, "Loop the video file until the duration elapses")
	flags.StringVar(&opts.Mic, "mic", "", "Microphone input: \"tone\", \"tone:HZ\" or a raw PCM file")
	flags.StringVar(&opts.Loopback, "loopback", "", "System audio input: \"tone\", \"tone:HZ\" or a raw PCM file")
	flags.StringSliceVar(&opts.Stalls, "stall", nil, "Drop mic audio for a window, as AT:FOR (repeatable)")
	flags.DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this long (default: until end of input or Ctrl+C)")
	flags.StringVarP(&opts.Format, "format", "f", "", "Container: mp4, mkv or null (default from config)")
	flags.StringVar(&opts.OutputDir, "output-dir", "", "Directory for recordings (default from config)")
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file, \"-\" for stdout")
	flags.BoolVar(&opts.Metadata, "metadata", false, "Write a TOML sidecar with session statistics next to the output")
	flags.BoolVarP(&opts.Quiet, "quiet", "q", false, "Do not print progress or the statistics table")

	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return sink.Kinds, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteRecord(cmd *cobra.Command, opts *RecordOptions) error {
	settings, err := config.RecorderSettings()
	if err != nil {
		return err
	}
	return runRecord(cmd.Context(), settings, opts, cmd.OutOrStdout())
}

func runRecord(ctx context.Context, settings config.Recorder, opts *RecordOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Output == "-" {
		util.InitLoggerTo(os.Stderr, util.IsVerbose())
		out = os.Stderr
	}
	logger := util.GetLogger().With("component", "record")

	fps := opts.FPS
	if fps == 0 {
		fps = settings.FPS
	}
	format := opts.Format
	if format == "" {
		format = settings.OutputFormat
	}
	pcm := core.PCMFormat{
		SampleRate:    settings.SampleRate,
		Channels:      settings.Channels,
		BitsPerSample: settings.BitsPerSample,
	}
	stalls, err := parseStalls(opts.Stalls)
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	base := clk.Now()

	video, err := buildVideoSource(opts.VideoFile, clk, base, fps, opts.Loop)
	if err != nil {
		return err
	}
	cfg := session.Config{
		Video: video,
		Options: mux.Options{
			Quantum:       settings.Quantum,
			RetryAttempts: settings.RetryAttempts,
			RetryDelay:    settings.RetryDelay,
			MinSilence:    settings.MinSilence,
			MaxJitter:     settings.MaxJitter,
		},
	}
	if cfg.Mic, err = buildAudioInput(opts.Mic, clk, base, pcm, stalls); err != nil {
		video.Close()
		return err
	}
	if cfg.Loopback, err = buildAudioInput(opts.Loopback, clk, base, pcm, nil); err != nil {
		video.Close()
		return err
	}

	sess, err := session.New(cfg)
	if err != nil {
		video.Close()
		return err
	}
	defer sess.Dispose()

	w, path, err := openOutput(opts, settings, format, sess.ID())
	if err != nil {
		return err
	}
	defer w.Close()

	muxer, err := sink.New(format, w, logger)
	if err != nil {
		return err
	}
	var tracks []sink.Track
	for _, id := range sess.Streams() {
		tr := sink.Track{Stream: id}
		if id.IsAudio() {
			tr.Format, _ = sess.Format(id)
		}
		tracks = append(tracks, tr)
	}
	if err := muxer.Initialize(tracks); err != nil {
		return errors.Wrap(err, "failed to initialize muxer")
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, opts.Duration)
		defer cancel()
	}

	if err := sess.Start(runCtx); err != nil {
		return err
	}
	logger.Info("Recording", "session", sess.ID(), "output", path, "format", format)

	pump := pipeline.NewPump(sess)
	samples := pump.SubscribeLossless("output", 64)
	muxDone := make(chan error, 1)
	go func() {
		muxDone <- muxer.Stream(context.Background(), samples)
	}()

	started := time.Now()
	prog := startProgress(opts.Quiet || opts.Output == "-", sess.Stats)
	pumpErr := pump.Run(runCtx)
	prog.Stop()
	stopErr := sess.Stop()
	<-sess.Done()
	muxErr := <-muxDone
	closeErr := muxer.Close()
	wall := time.Since(started)

	if !opts.Quiet {
		printRecordSummary(out, path, wall, sess.Stats())
	}
	var metaErr error
	if opts.Metadata && isFilePath(path) {
		meta := newRecordingMetadata(sess.ID(), path, format, started, wall, sess.Stats())
		metaErr = writeMetadataFile(path+".toml", meta)
	}

	for _, err := range []error{pumpErr, sess.Err(), stopErr, muxErr, closeErr, metaErr} {
		if err != nil {
			return errors.Wrap(err, "recording failed")
		}
	}
	return nil
}

func isFilePath(path string) bool {
	return path != "stdout" && path != "discard"
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openOutput(opts *RecordOptions, settings config.Recorder, format, id string) (io.WriteCloser, string, error) {
	switch {
	case opts.Output == "-":
		return nopWriteCloser{os.Stdout}, "stdout", nil
	case sink.Extension(format) == "" && opts.Output == "":
		return nopWriteCloser{io.Discard}, "discard", nil
	}

	path := opts.Output
	if path == "" {
		dir := opts.OutputDir
		if dir == "" {
			dir = settings.OutputDir
		}
		if len(id) > 8 {
			id = id[:8]
		}
		name := fmt.Sprintf("recording-%s-%s%s", time.Now().Format("20060102-150405"), id, sink.Extension(format))
		path = filepath.Join(dir, name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to create %s", path)
	}
	return f, path, nil
}

func printRecordSummary(out io.Writer, path string, wall time.Duration, stats map[core.StreamID]mux.Stats) {
	color.New(color.FgGreen, color.Bold).Fprintf(out, "Recording finished in %s\n", wall.Round(time.Millisecond))
	color.New(color.Faint).Fprintf(out, "Output: %s\n\n", path)

	columns := []util.TableColumn{
		{Header: "STREAM", Key: "stream"},
		{Header: "SAMPLES", Key: "samples"},
		{Header: "DURATION", Key: "duration"},
		{Header: "SILENCE", Key: "silence"},
		{Header: "UNDERRUNS", Key: "underruns"},
		{Header: "PRE-ROLL", Key: "preroll"},
		{Header: "DROPPED", Key: "dropped"},
	}
	var rows []map[string]interface{}
	for _, id := range []core.StreamID{core.StreamVideo, core.StreamMic, core.StreamLoopback} {
		st, ok := stats[id]
		if !ok {
			continue
		}
		silence := st.SilenceDuration.Round(time.Millisecond).String()
		if st.SilenceSamples > 0 {
			silence = color.YellowString("%s (%d)", silence, st.SilenceSamples)
		}
		underruns := fmt.Sprint(st.Underruns)
		if st.Underruns > 0 {
			underruns = color.RedString("%d", st.Underruns)
		}
		rows = append(rows, map[string]interface{}{
			"stream":    string(id),
			"samples":   st.Samples,
			"duration":  st.Emitted.Round(time.Millisecond).String(),
			"silence":   silence,
			"underruns": underruns,
			"preroll":   st.PreRollDiscards,
			"dropped":   st.DroppedFrames,
		})
	}
	util.RenderTable(out, columns, rows)
}
