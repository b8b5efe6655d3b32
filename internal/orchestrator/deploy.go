package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
)

// DeployRequest provisions a whole slice in one call: the VLAN range, egress
// when Internet is set, and Count VMs spread over the created VLANs.
type DeployRequest struct {
	SliceID  string
	VLANs    allocator.VLANRange
	Switch   string
	Gateway  string
	Count    int
	Image    string
	Flavor   models.Flavor
	Internet bool
}

// DeployResult collects the report of every stage that ran.
type DeployResult struct {
	Network   *models.Report `json:"network"`
	Internet  *models.Report `json:"internet,omitempty"`
	Placement *models.Report `json:"placement,omitempty"`
	VMs       []models.VM    `json:"vms,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// Summary adds up the units of every stage.
func (r *DeployResult) Summary() models.Summary {
	var total models.Summary
	for _, report := range []*models.Report{r.Network, r.Internet, r.Placement} {
		if report == nil {
			continue
		}
		total.Total += report.Summary.Total
		total.Succeeded += report.Summary.Succeeded
		total.Skipped += report.Summary.Skipped
		total.Failed += report.Summary.Failed
	}
	return total
}

// Deploy runs the provisioning flow for a slice. VLANs that fail to
// provision get neither egress nor VMs; when none succeed the call fails.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	commands := networkCommands
	if req.Internet {
		commands = append(append([]string(nil), networkCommands...), internetCommands...)
	}
	if err := s.preflight(commands...); err != nil {
		return nil, err
	}
	if err := validateSlice(req.SliceID, req.Switch, "deploy"); err != nil {
		return nil, err
	}
	if req.Count < 0 {
		return nil, models.Errorf(models.ErrValidation, "deploy", req.SliceID, "vm count must not be negative")
	}
	allocs, err := s.Allocator.AllocateRange(req.VLANs, req.Gateway)
	if err != nil {
		return nil, err
	}

	release, err := s.lockSlice(req.SliceID, "deploy")
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	result, err := s.deploy(ctx, req, allocs)
	var summary *models.Report
	if result != nil {
		summary = &models.Report{Operation: "deploy", ID: req.SliceID, Summary: result.Summary()}
	}
	s.record(ctx, "deploy", req.SliceID, started, summary, err)
	s.publish(ctx, req.SliceID)
	return result, err
}

func (s *Service) deploy(ctx context.Context, req DeployRequest, allocs []models.Allocation) (*DeployResult, error) {
	logger := s.logger().With("slice", req.SliceID)
	result := &DeployResult{}

	result.Network = s.provisionRange(ctx, req.SliceID, req.Switch, allocs)
	var vlans []int
	for i, unit := range result.Network.Results {
		if unit.Status == models.UnitSucceeded {
			vlans = append(vlans, allocs[i].VLAN)
		}
	}
	if len(vlans) == 0 {
		return result, fmt.Errorf("deploy slice %s: no vlan of %s could be provisioned", req.SliceID, req.VLANs)
	}
	logger.Info("slice networks ready", "vlans", vlans)

	if req.Internet {
		result.Internet = &models.Report{Operation: "enable-internet", ID: req.SliceID}
		for _, vlan := range vlans {
			result.Internet.Add(s.toggleVLAN(ctx, req.SliceID, vlan, true))
		}
		result.Internet.Finish()
	}

	if req.Count > 0 {
		result.Placement = &models.Report{Operation: "place-vms", ID: req.SliceID}
		// the rotation runs across all VLANs so the slice as a whole stays balanced
		offset := 0
		for i, vlan := range vlans {
			count := shareOf(req.Count, len(vlans), i)
			if count == 0 {
				continue
			}
			report, vms, err := s.placeVMs(ctx, PlaceRequest{
				SliceID: req.SliceID,
				VLAN:    vlan,
				Count:   count,
				Image:   req.Image,
				Switch:  req.Switch,
				Flavor:  req.Flavor,

				WorkerOffset: offset,
			})
			offset += count
			if err != nil {
				result.Placement.Add(models.Failed(fmt.Sprintf("vlan %d", vlan), err))
				continue
			}
			result.Placement.Results = append(result.Placement.Results, report.Results...)
			result.VMs = append(result.VMs, vms...)
		}
		result.Placement.Finish()
	}

	result.Warnings = s.verifyDeployment(ctx, req.SliceID, req.Switch, vlans)
	return result, nil
}

// shareOf is the number of the count VMs that go to the i-th of n VLANs;
// earlier VLANs take the remainder.
func shareOf(count, n, i int) int {
	share := count / n
	if i < count%n {
		share++
	}
	return share
}

// verifyDeployment checks that every provisioned VLAN still has its
// namespace after the whole flow ran.
func (s *Service) verifyDeployment(ctx context.Context, sliceID, switchName string, vlans []int) []string {
	live, err := s.Collector.Status(ctx, sliceID, switchName)
	if err != nil {
		return []string{fmt.Sprintf("verification incomplete: %v", err)}
	}
	present := make(map[string]bool, len(live.Namespaces))
	for _, ns := range live.Namespaces {
		present[ns] = true
	}
	var warnings []string
	for _, vlan := range vlans {
		if ns := naming.Namespace(sliceID, vlan); !present[ns] {
			warnings = append(warnings, fmt.Sprintf("namespace %s is missing after deployment", ns))
		}
	}
	return warnings
}
