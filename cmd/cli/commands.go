package main

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/api"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/orchestrator"
)

func parseInt(name, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, models.Errorf(models.ErrValidation, "parse arguments", name, "%q is not a number", value)
	}
	return n, nil
}

// apiFlag lets read-only commands query a running "slicenet serve" instead
// of opening the inventory.
func apiFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "api", "", "Read from the API server at this URL")
}

// flavorFlags registers the VM sizing flags shared by place-vms and deploy.
func flavorFlags(cmd *cobra.Command, flavor *models.Flavor) {
	*flavor = models.DefaultFlavor
	cmd.Flags().IntVar(&flavor.CPUs, "cpus", flavor.CPUs, "Virtual CPUs per VM")
	cmd.Flags().StringVar(&flavor.Memory, "memory", flavor.Memory, "Memory per VM (qemu size syntax)")
	cmd.Flags().StringVar(&flavor.Disk, "disk", flavor.Disk, "Overlay disk size per VM")
}

func newCreateNetworkCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var sliceID string

	cmd := &cobra.Command{
		Use:   "create-network <vlan> <switch> <dhcp-range-size>",
		Args:  cobra.ExactArgs(3),
		Short: "Create a slice made of a single VLAN segment with its DHCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			vlan, err := parseInt("vlan", args[0])
			if err != nil {
				return err
			}
			size, err := parseInt("dhcp-range-size", args[2])
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "create-network", "vlan", vlan)
			return withApp(cmd.Context(), cmdLogger, func(a *app) error {
				report, err := a.service.CreateNetwork(cmd.Context(), orchestrator.NetworkRequest{
					SliceID:   sliceID,
					VLAN:      vlan,
					Switch:    args[1],
					RangeSize: size,
				})
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).report(report)
			})
		},
	}
	cmd.Flags().StringVar(&sliceID, "slice", "", "Slice identifier (defaults to the VLAN id)")
	return cmd
}

func newCreateNetworkRangeCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create-network-range <id> <start;end> <switch> <gateway-ip>",
		Args:  cobra.ExactArgs(4),
		Short: "Create one VLAN segment per VLAN of a range; the first VLAN uses the ingress gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			vlans, err := allocator.ParseVLANRange(args[1])
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "create-network-range", "slice", args[0])
			return withApp(cmd.Context(), cmdLogger, func(a *app) error {
				report, err := a.service.CreateNetworkRange(cmd.Context(), orchestrator.RangeRequest{
					SliceID: args[0],
					VLANs:   vlans,
					Switch:  args[2],
					Gateway: args[3],
				})
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).report(report)
			})
		},
	}
}

func newInternetCommand(logger *slog.Logger, opts *globalOptions, enable bool) *cobra.Command {
	use, short := "enable-internet", "Install egress rules for the VLANs of a slice"
	if !enable {
		use, short = "disable-internet", "Remove egress rules for the VLANs of a slice"
	}
	return &cobra.Command{
		Use:   use + " <id> <vlan-range>",
		Args:  cobra.ExactArgs(2),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			vlans, err := allocator.ParseVLANRange(args[1])
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", use, "slice", args[0])
			return withApp(cmd.Context(), cmdLogger, func(a *app) error {
				req := orchestrator.InternetRequest{SliceID: args[0], VLANs: vlans}
				toggle := a.service.EnableInternet
				if !enable {
					toggle = a.service.DisableInternet
				}
				report, err := toggle(cmd.Context(), req)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).report(report)
			})
		},
	}
}

func newPlaceVMsCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		sliceID    string
		switchName string
		flavor     models.Flavor
	)

	cmd := &cobra.Command{
		Use:   "place-vms <vlan> <count> <image>",
		Args:  cobra.ExactArgs(3),
		Short: "Place VMs round-robin over the configured workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			vlan, err := parseInt("vlan", args[0])
			if err != nil {
				return err
			}
			count, err := parseInt("count", args[1])
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "place-vms", "vlan", vlan)
			return withApp(cmd.Context(), cmdLogger, func(a *app) error {
				report, vms, err := a.service.PlaceVMs(cmd.Context(), orchestrator.PlaceRequest{
					SliceID: sliceID,
					VLAN:    vlan,
					Count:   count,
					Image:   args[2],
					Switch:  switchName,
					Flavor:  flavor,
				})
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).placement(report, vms)
			})
		},
	}
	cmd.Flags().StringVar(&sliceID, "slice", "", "Slice identifier (defaults to the VLAN id)")
	cmd.Flags().StringVar(&switchName, "switch", "", "Switch the VM taps join (defaults to the VLAN's switch)")
	flavorFlags(cmd, &flavor)
	return cmd
}

func newTeardownCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "teardown <id> [switch]",
		Args:  cobra.RangeArgs(1, 2),
		Short: "Remove every resource whose name carries the identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			switchName := ""
			if len(args) == 2 {
				switchName = args[1]
			}
			cmdLogger := logger.With("command", "teardown", "slice", args[0])
			return withApp(cmd.Context(), cmdLogger, func(a *app) error {
				result, err := a.service.Teardown(cmd.Context(), args[0], switchName)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).teardown(result)
			})
		},
	}
}

func newStatusCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var switchName, apiURL string

	cmd := &cobra.Command{
		Use:   "status <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the recorded and live resources of a slice",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL != "" {
				status, err := api.NewClient(apiURL).Status(cmd.Context(), args[0], switchName)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).status(args[0], status)
			}
			cmdLogger := logger.With("command", "status", "slice", args[0])
			return withApp(cmd.Context(), cmdLogger, func(a *app) error {
				status, err := a.service.Status(cmd.Context(), args[0], switchName)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).status(args[0], status)
			})
		},
	}
	cmd.Flags().StringVar(&switchName, "switch", "", "Only list ports of this switch")
	apiFlag(cmd, &apiURL)
	return cmd
}

func newDeployCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		internet bool
		flavor   models.Flavor
	)

	cmd := &cobra.Command{
		Use:   "deploy <id> <start;end> <switch> <gateway-ip> <count> <image>",
		Args:  cobra.ExactArgs(6),
		Short: "Create the VLAN range, optionally enable egress, and place VMs in one run",
		RunE: func(cmd *cobra.Command, args []string) error {
			vlans, err := allocator.ParseVLANRange(args[1])
			if err != nil {
				return err
			}
			count, err := parseInt("count", args[4])
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "deploy", "slice", args[0])
			return withApp(cmd.Context(), cmdLogger, func(a *app) error {
				result, err := a.service.Deploy(cmd.Context(), orchestrator.DeployRequest{
					SliceID:  args[0],
					VLANs:    vlans,
					Switch:   args[2],
					Gateway:  args[3],
					Count:    count,
					Image:    args[5],
					Flavor:   flavor,
					Internet: internet,
				})
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).deploy(result)
			})
		},
	}
	cmd.Flags().BoolVar(&internet, "internet", false, "Enable egress for every created VLAN")
	flavorFlags(cmd, &flavor)
	return cmd
}

func newWorkersCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:   "workers",
		Args:  cobra.NoArgs,
		Short: "Probe the configured workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL != "" {
				workers, err := api.NewClient(apiURL).Workers(cmd.Context())
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).workers(workers)
			}
			return withApp(cmd.Context(), logger.With("command", "workers"), func(a *app) error {
				return newPrinter(cmd, opts).workers(a.service.Workers(cmd.Context()))
			})
		},
	}
	apiFlag(cmd, &apiURL)
	return cmd
}

func newHistoryCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		sliceID string
		apiURL  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Args:  cobra.NoArgs,
		Short: "List recorded operations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL != "" {
				ops, err := api.NewClient(apiURL).Operations(cmd.Context(), sliceID, limit)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).operations(ops)
			}
			return withApp(cmd.Context(), logger.With("command", "history"), func(a *app) error {
				ops, err := a.store.ListOperations(cmd.Context(), sliceID, limit)
				if err != nil {
					return err
				}
				return newPrinter(cmd, opts).operations(ops)
			})
		},
	}
	cmd.Flags().StringVar(&sliceID, "slice", "", "Only list operations of this slice")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of operations (0 for all)")
	apiFlag(cmd, &apiURL)
	return cmd
}
