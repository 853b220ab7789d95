package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/config"
	"github.com/babelcloud/gbox/packages/recorder/internal/server"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type ServeOptions struct {
	Addr  string
	Token string
}

func NewServeCommand() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Serve live recordings over HTTP",
		Long: `Start an HTTP server that records synthetic sessions on demand and exposes them as
live fragmented MP4, a statistics websocket and a WebRTC preview.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteServe(cmd, opts)
		},
		Example: `  # Serve on the configured address with a generated token:
  gbox-recorder serve

  # Then start a session and watch it:
  curl -X POST -H "Authorization: Bearer $TOKEN" -d '{"mic":true}' http://127.0.0.1:28095/sessions
  ffplay "http://127.0.0.1:28095/sessions/$ID/stream.mp4?token=$TOKEN"`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Addr, "addr", "", "Listen address (default from config)")
	flags.StringVar(&opts.Token, "token", "", "Bearer token clients must present (default: generated)")

	return cmd
}

func ExecuteServe(cmd *cobra.Command, opts *ServeOptions) error {
	settings, err := config.RecorderSettings()
	if err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = settings.ServerAddr
	}
	token := opts.Token
	if token == "" {
		token = settings.ServerToken
	}

	srv := server.New(server.Options{
		Addr:    addr,
		Token:   token,
		Factory: server.SyntheticFactory(settings),
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", color.GreenString("GBOX Recorder Server"), color.CyanString("➜ http://%s", addr))
	fmt.Fprintf(out, "%s %s\n", color.New(color.Faint).Sprint("Token:"), srv.Token())
	color.New(color.Faint).Fprintln(out, "Press Ctrl+C to stop...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrapf(err, "failed to serve on %s", addr)
		}
		return nil
	case <-sigChan:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}
