package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cochaviz/slicenet/internal/gc"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/orchestrator"
)

type printer struct {
	out  io.Writer
	json bool
}

func newPrinter(cmd *cobra.Command, opts *globalOptions) printer {
	return printer{out: cmd.OutOrStdout(), json: opts.output == "json"}
}

func (p printer) encode(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) report(r *models.Report) error {
	if p.json {
		return p.encode(r)
	}
	return p.writeReport(r)
}

func (p printer) writeReport(r *models.Report) error {
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	for _, unit := range r.Results {
		reason := unit.Reason
		if unit.Kind != "" && !strings.Contains(reason, unit.Kind) {
			reason = unit.Kind + ": " + reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", unit.Unit, unit.Status, reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	s := r.Summary
	fmt.Fprintf(p.out, "%s %s: %d total, %d succeeded, %d skipped, %d failed\n",
		r.Operation, r.ID, s.Total, s.Succeeded, s.Skipped, s.Failed)
	for _, warning := range r.Warnings {
		fmt.Fprintf(p.out, "warning: %s\n", warning)
	}
	return nil
}

func (p printer) writeVMs(vms []models.VM) error {
	if len(vms) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VM\tVLAN\tWORKER\tVNC\tSTATUS")
	for _, vm := range vms {
		vnc := "-"
		if vm.VNCPort > 0 {
			vnc = fmt.Sprintf(":%d (%d)", vm.VNCDisplay, vm.VNCPort)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", vm.Name, vm.VLAN, vm.Worker, vnc, vm.Status)
	}
	return tw.Flush()
}

func (p printer) placement(r *models.Report, vms []models.VM) error {
	if p.json {
		return p.encode(struct {
			Report *models.Report `json:"report"`
			VMs    []models.VM    `json:"vms"`
		}{r, vms})
	}
	if err := p.writeVMs(vms); err != nil {
		return err
	}
	return p.writeReport(r)
}

func (p printer) teardown(result *orchestrator.TeardownResult) error {
	if p.json {
		return p.encode(result)
	}
	if err := p.writeReport(result.Report); err != nil {
		return err
	}
	writeRemaining(p.out, result.Detail.Remaining)
	return nil
}

func writeRemaining(w io.Writer, r gc.Remaining) {
	lists := []struct {
		label string
		names []string
	}{
		{"namespaces", r.Namespaces},
		{"ports", r.Ports},
		{"links", r.Links},
		{"dhcp processes", r.Processes},
	}
	for _, list := range lists {
		if len(list.names) > 0 {
			fmt.Fprintf(w, "remaining %s: %s\n", list.label, strings.Join(list.names, ", "))
		}
	}
}

func (p printer) deploy(result *orchestrator.DeployResult) error {
	if p.json {
		return p.encode(result)
	}
	for _, report := range []*models.Report{result.Network, result.Internet, result.Placement} {
		if report == nil {
			continue
		}
		if err := p.writeReport(report); err != nil {
			return err
		}
	}
	if err := p.writeVMs(result.VMs); err != nil {
		return err
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(p.out, "warning: %s\n", warning)
	}
	s := result.Summary()
	fmt.Fprintf(p.out, "deploy: %d total, %d succeeded, %d skipped, %d failed\n", s.Total, s.Succeeded, s.Skipped, s.Failed)
	return nil
}

func (p printer) status(id string, status *orchestrator.StatusResult) error {
	if p.json {
		return p.encode(status)
	}
	if status.Slice == nil {
		fmt.Fprintf(p.out, "slice %s: not in inventory\n", id)
	} else {
		slice := status.Slice
		fmt.Fprintf(p.out, "slice %s on %s, created %s\n", slice.ID, slice.Switch, humanize.Time(slice.CreatedAt))
		tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VLAN\tSUBNET\tGATEWAY\tDHCP\tINTERNET\tSTATE")
		for _, seg := range slice.Segments {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s-%s\t%t\t%s\n", seg.VLAN, seg.Subnet, seg.Gateway, seg.DHCPStart, seg.DHCPEnd, seg.InternetEnabled, seg.State)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if err := p.writeVMs(slice.VMs); err != nil {
			return err
		}
	}

	live := status.Live
	fmt.Fprintf(p.out, "live: %d namespaces, %d ports, %d links, %d dhcp servers, %d egress rules\n",
		len(live.Namespaces), len(live.Ports), len(live.Links), len(live.Processes), len(live.Rules))
	for path, leases := range status.Leases {
		for _, lease := range leases {
			fmt.Fprintf(p.out, "lease %s %s %s expires %s (%s)\n", lease.IP, lease.MAC, lease.Hostname, humanize.Time(lease.Expires), path)
		}
	}
	for _, msg := range status.Errors {
		fmt.Fprintf(p.out, "error: %s\n", msg)
	}
	return nil
}

func (p printer) workers(workers []models.Worker) error {
	if p.json {
		return p.encode(workers)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKER\tADDRESS\tREACHABLE")
	for _, w := range workers {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", w.Name, w.Address, w.Reachable)
	}
	return tw.Flush()
}

func (p printer) operations(ops []models.Operation) error {
	if p.json {
		return p.encode(ops)
	}
	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKIND\tSLICE\tSTATUS\tUNITS\tERROR")
	for _, op := range ops {
		s := op.Summary
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", humanize.Time(op.StartedAt), op.Kind, op.SliceID, op.Status, s.Succeeded+s.Skipped, s.Total, op.Error)
	}
	return tw.Flush()
}
