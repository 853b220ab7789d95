package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/gbox/packages/recorder/internal/version"
	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if format == "json" {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal version info: %v", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Git commit: %s\n", info.Commit)
			fmt.Fprintf(out, "Built:      %s\n", info.Built())
			fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "OS/Arch:    %s\n", info.Platform)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format, \"text\" or \"json\"")
	return cmd
}
