package cli

import (
	"github.com/danmuck/edgeinstall/internal/admin"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/spf13/cobra"
)

// FunctionOptions holds flags shared by install and update.
type FunctionOptions struct {
	*RootOptions
	Indexes      []string
	Requirements []string
	From         string
}

func NewInstallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FunctionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "install <name:version>",
		Short: "Install a function on the node",
		Long: `Install a function on the node.

Without --require the function's own identity is required.

Example:
  installctl install com.example.sensor:1.0.0 --index https://repo.example.com/index.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parseSponsor(args[0])
			if err != nil {
				return err
			}
			resp, err := opts.client().InstallFunction(cmd.Context(), admin.FunctionRequest{
				Sponsor:      s,
				Indexes:      opts.Indexes,
				Requirements: opts.Requirements,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "install", err)
			}
			return opts.printer(cmd).Install(resp)
		},
	}

	addFunctionFlags(cmd, opts)
	return cmd
}

func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FunctionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <name:version>",
		Short: "Replace a function with another version",
		Long: `Replace a function with another version. The node rolls back to the
old version when any step fails.

Example:
  installctl update com.example.sensor:1.1.0 --from com.example.sensor:1.0.0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := parseSponsor(args[0])
			if err != nil {
				return err
			}
			var old sponsor.Sponsor
			if opts.From != "" {
				if old, err = parseSponsor(opts.From); err != nil {
					return err
				}
			}
			resp, err := opts.client().UpdateFunction(cmd.Context(), admin.FunctionRequest{
				Sponsor:      s,
				OldSponsor:   old,
				Indexes:      opts.Indexes,
				Requirements: opts.Requirements,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "update", err)
			}
			return opts.printer(cmd).Install(resp)
		},
	}

	addFunctionFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.From, "from", "", "sponsor being replaced (default: the active version)")
	return cmd
}

func NewUninstallCommand(rootOpts *RootOptions) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Remove a function and the units only it needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rootOpts.client().UninstallFunction(cmd.Context(), args[0], version)
			if err != nil {
				return WrapExitError(ExitCommandError, "uninstall", err)
			}
			return rootOpts.printer(cmd).Install(resp)
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "version to remove (default: the active version)")
	return cmd
}

func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var node string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove every function installed through the node",
		Long: `Remove every function installed through the node. Units installed by
anyone else are left alone.

With --node the reset is sent over the bus to another node and the
command returns once it is queued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := rootOpts.client()
			if node != "" {
				resp, err := c.ResetRemote(cmd.Context(), node)
				if err != nil {
					return WrapExitError(ExitCommandError, "reset "+node, err)
				}
				return rootOpts.printer(cmd).Command(resp)
			}
			resp, err := c.Reset(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "reset", err)
			}
			return rootOpts.printer(cmd).Install(resp)
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "reset this node over the bus instead")
	return cmd
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rootOpts.client().Functions(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "list", err)
			}
			return rootOpts.printer(cmd).Functions(resp)
		},
	}
}

func NewUnitsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List units in the module host with their sponsors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := rootOpts.client().Units(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "units", err)
			}
			return rootOpts.printer(cmd).Units(resp)
		},
	}
}

func addFunctionFlags(cmd *cobra.Command, opts *FunctionOptions) {
	cmd.Flags().StringSliceVar(&opts.Indexes, "index", nil, "repository index URL (default: the node's indexes)")
	cmd.Flags().StringSliceVar(&opts.Requirements, "require", nil, "requirement string; repeatable")
}

func parseSponsor(raw string) (sponsor.Sponsor, error) {
	s, err := sponsor.Parse(raw)
	if err != nil {
		return sponsor.Sponsor{}, WrapExitError(ExitCommandError, "parse sponsor", err)
	}
	return s, nil
}
