package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/edgeinstall/internal/admin"
	"github.com/spf13/cobra"
)

func NewBehavioursCommand(rootOpts *RootOptions) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "behaviours",
		Short: "Search the node's indexes for behaviours",
		Long: `Search the node's indexes for behaviours.

Example:
  installctl behaviours --filter '(consumed=SensorReading)'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rootOpts.client().Behaviours(cmd.Context(), filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "behaviours", err)
			}
			return rootOpts.printer(cmd).Behaviours(resp)
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "LDAP filter over behaviour attributes")
	return cmd
}

// DeployOptions holds flags for the deploy command.
type DeployOptions struct {
	*RootOptions
	Name   string
	Remove bool
}

func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeployOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deploy <node> <symbolic-name:version>",
		Short: "Install a behaviour on a specific node",
		Long: `Install a behaviour on a specific node, bypassing the bid round.
The command is sent over the bus and returns once it is queued.

Example:
  installctl deploy edge-2 com.example.sensor:1.0.0
  installctl deploy edge-2 com.example.sensor:1.0.0 --remove`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbolic, version, _ := strings.Cut(args[1], ":")
			if strings.TrimSpace(symbolic) == "" {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid behaviour %q", args[1]))
			}
			req := admin.BehaviourRequest{
				Node:         args[0],
				SymbolicName: symbolic,
				Version:      version,
				Name:         opts.Name,
			}
			c := opts.client()
			send := c.DeployBehaviour
			if opts.Remove {
				send = c.RemoveBehaviour
			}
			resp, err := send(cmd.Context(), req)
			if err != nil {
				return WrapExitError(ExitCommandError, "deploy", err)
			}
			return opts.printer(cmd).Command(resp)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "display name for the install")
	cmd.Flags().BoolVar(&opts.Remove, "remove", false, "uninstall the behaviour instead")
	return cmd
}

func NewBlacklistCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Show event types with a finished or open bid round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rootOpts.client().Blacklist(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "blacklist", err)
			}
			return rootOpts.printer(cmd).Blacklist(resp)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every blacklist entry so new rounds can start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := rootOpts.client().ClearBlacklist(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "blacklist clear", err)
			}
			return rootOpts.printer(cmd).Message(fmt.Sprintf("cleared %d entries", n), map[string]any{"cleared": n})
		},
	})
	return cmd
}

func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	var props string

	cmd := &cobra.Command{
		Use:   "publish <event-type>",
		Short: "Publish an event from the node",
		Long: `Publish an event from the node. If no unit consumes it, the node opens
a bid round for a behaviour that does.

Example:
  installctl publish SensorReading --props '{"value":21.5}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if props != "" {
				if err := json.Unmarshal([]byte(props), &body); err != nil {
					return WrapExitError(ExitCommandError, "invalid --props JSON", err)
				}
			}
			if err := rootOpts.client().Publish(cmd.Context(), args[0], body); err != nil {
				return WrapExitError(ExitCommandError, "publish", err)
			}
			return rootOpts.printer(cmd).Message("published "+args[0], map[string]any{"event": args[0]})
		},
	}

	cmd.Flags().StringVar(&props, "props", "", "event properties as a JSON object")
	return cmd
}
