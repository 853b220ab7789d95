package cmd

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/babelcloud/gbox/packages/recorder/internal/version"
	"github.com/spf13/cobra"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "gbox-recorder",
		Short: "GBOX screen and audio recorder",
		Long: `gbox-recorder captures a video stream together with microphone and system audio, keeps
them on one timeline, bridges audio dropouts with silence, and writes the result to MP4 or
Matroska files or serves it live over HTTP.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
			util.SetupGlobalLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Println(version.Get())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
