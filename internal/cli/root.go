// Package cli is the installctl command tree. Every command talks to one
// node's admin API.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	Format  string // "json" | "text"
	Timeout time.Duration
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "installctl",
		Short:         "Operate edge install nodes",
		Long:          "installctl drives a node's admin API: functions, behaviours, the bid blacklist, and events.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "http://127.0.0.1:7400", "node admin API address")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 3*time.Minute, "request timeout")

	cmd.AddCommand(NewInstallCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewUninstallCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewUnitsCommand(opts))
	cmd.AddCommand(NewBehavioursCommand(opts))
	cmd.AddCommand(NewDeployCommand(opts))
	cmd.AddCommand(NewBlacklistCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Addr, o.Timeout)
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, Writer: cmd.OutOrStdout()}
}
