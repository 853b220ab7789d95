package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("gbox.home", "GBOX_HOME")
	v.BindEnv("recorder.output.dir", "GBOX_RECORDER_OUTPUT_DIR")
	v.BindEnv("recorder.server.addr", "GBOX_RECORDER_ADDR")
	v.BindEnv("recorder.server.token", "GBOX_RECORDER_TOKEN")
	v.BindEnv("recorder.video.fps", "GBOX_RECORDER_FPS")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	for _, path := range []string{".", "$HOME/.gbox", "/etc/gbox"} {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gbox.home", filepath.Join(xdg.Home, ".gbox"))

	v.SetDefault("recorder.quantum", 100*time.Millisecond)
	v.SetDefault("recorder.retry.attempts", 2)
	v.SetDefault("recorder.retry.delay", 10*time.Millisecond)
	v.SetDefault("recorder.silence.min", 20*time.Millisecond)
	v.SetDefault("recorder.jitter.max", 10*time.Millisecond)

	v.SetDefault("recorder.audio.sample_rate", 48000)
	v.SetDefault("recorder.audio.channels", 2)
	v.SetDefault("recorder.audio.bits", 16)
	v.SetDefault("recorder.video.fps", 30)

	videos := xdg.UserDirs.Videos
	if videos == "" {
		videos = filepath.Join(xdg.Home, "Videos")
	}
	v.SetDefault("recorder.output.dir", videos)
	v.SetDefault("recorder.output.format", "mp4")

	v.SetDefault("recorder.server.addr", "127.0.0.1:28095")
	v.SetDefault("recorder.server.token", "")
}

// Recorder holds the settings the record and serve commands start from.
type Recorder struct {
	Quantum       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MinSilence    time.Duration
	MaxJitter     time.Duration

	SampleRate    int
	Channels      int
	BitsPerSample int
	FPS           int

	OutputDir    string
	OutputFormat string

	ServerAddr  string
	ServerToken string
}

// RecorderSettings reads the recorder section.
func RecorderSettings() (Recorder, error) {
	return recorderSettings(v)
}

func recorderSettings(v *viper.Viper) (Recorder, error) {
	r := Recorder{
		Quantum:       v.GetDuration("recorder.quantum"),
		RetryAttempts: v.GetInt("recorder.retry.attempts"),
		RetryDelay:    v.GetDuration("recorder.retry.delay"),
		MinSilence:    v.GetDuration("recorder.silence.min"),
		MaxJitter:     v.GetDuration("recorder.jitter.max"),
		SampleRate:    v.GetInt("recorder.audio.sample_rate"),
		Channels:      v.GetInt("recorder.audio.channels"),
		BitsPerSample: v.GetInt("recorder.audio.bits"),
		FPS:           v.GetInt("recorder.video.fps"),
		OutputDir:     v.GetString("recorder.output.dir"),
		OutputFormat:  v.GetString("recorder.output.format"),
		ServerAddr:    v.GetString("recorder.server.addr"),
		ServerToken:   v.GetString("recorder.server.token"),
	}
	if r.Quantum <= 0 {
		return r, errors.Errorf("recorder.quantum must be positive, got %s", r.Quantum)
	}
	if r.RetryAttempts < 0 {
		return r, errors.Errorf("recorder.retry.attempts must not be negative, got %d", r.RetryAttempts)
	}
	if r.FPS <= 0 {
		return r, errors.Errorf("recorder.video.fps must be positive, got %d", r.FPS)
	}
	return r, nil
}

// GetGboxHome returns the gbox home directory
func GetGboxHome() string {
	return v.GetString("gbox.home")
}

// GetRecordingsDir returns where recordings are written by default.
func GetRecordingsDir() string {
	return v.GetString("recorder.output.dir")
}
