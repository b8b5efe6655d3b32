package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/gateway"
	"github.com/cochaviz/slicenet/internal/inventory"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
)

// InternetRequest selects the VLANs of a slice whose egress is toggled.
type InternetRequest struct {
	SliceID string
	VLANs   allocator.VLANRange
}

// EnableInternet installs egress rules for every VLAN of the request.
func (s *Service) EnableInternet(ctx context.Context, req InternetRequest) (*models.Report, error) {
	return s.toggleInternet(ctx, req, true)
}

// DisableInternet removes the egress rules of every VLAN of the request.
func (s *Service) DisableInternet(ctx context.Context, req InternetRequest) (*models.Report, error) {
	return s.toggleInternet(ctx, req, false)
}

func (s *Service) toggleInternet(ctx context.Context, req InternetRequest, enable bool) (*models.Report, error) {
	kind := "disable-internet"
	if enable {
		kind = "enable-internet"
	}
	if err := s.preflight(internetCommands...); err != nil {
		return nil, err
	}
	if err := naming.ValidateID(req.SliceID); err != nil {
		return nil, err
	}
	if err := req.VLANs.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	report := &models.Report{Operation: kind, ID: req.SliceID}
	for _, vlan := range req.VLANs.VLANs() {
		report.Add(s.toggleVLAN(ctx, req.SliceID, vlan, enable))
	}
	report.Finish()

	s.record(ctx, kind, req.SliceID, started, report, nil)
	s.publish(ctx, req.SliceID)
	return report, nil
}

func (s *Service) toggleVLAN(ctx context.Context, sliceID string, vlan int, enable bool) models.UnitResult {
	unit := fmt.Sprintf("vlan %d", vlan)
	logger := s.logger().With("slice", sliceID, "vlan", vlan)

	target, err := s.gatewayTarget(ctx, sliceID, vlan)
	if err != nil {
		return models.Failed(unit, err)
	}

	var results []gateway.RuleResult
	if enable {
		results, err = s.Gateway.Enable(ctx, target)
	} else {
		results, err = s.Gateway.Disable(ctx, target)
	}
	if err != nil {
		logger.Error("egress update failed", "enable", enable, "error", err)
		return models.Failed(unit, err)
	}

	if err := s.Inventory.SetInternet(ctx, sliceID, vlan, enable); err != nil && !errors.Is(err, inventory.ErrNotFound) {
		logger.Warn("failed to record egress state", "error", err)
	}

	changed := 0
	for _, r := range results {
		if r.Action == gateway.RuleAdded || r.Action == gateway.RuleRemoved {
			changed++
		}
	}
	switch {
	case changed == 0 && enable:
		return models.Skipped(unit, "egress rules already present")
	case changed == 0:
		return models.Skipped(unit, "no egress rules to remove")
	case enable:
		return models.Succeeded(unit, fmt.Sprintf("%d egress rules added", changed))
	default:
		return models.Succeeded(unit, fmt.Sprintf("%d egress rules removed", changed))
	}
}

// gatewayTarget prefers the recorded subnet of the segment and falls back to
// the address plan derived from the VLAN id.
func (s *Service) gatewayTarget(ctx context.Context, sliceID string, vlan int) (gateway.Target, error) {
	target := gateway.Target{VLAN: vlan, GatewayInterface: naming.GatewayPort(sliceID, vlan)}
	seg, err := s.Inventory.GetSegment(ctx, vlan)
	switch {
	case err == nil && seg.SliceID == sliceID && seg.Subnet != "":
		target.Subnet = seg.Subnet
		return target, nil
	case err != nil && !errors.Is(err, inventory.ErrNotFound):
		s.logger().Warn("failed to load segment, deriving subnet", "slice", sliceID, "vlan", vlan, "error", err)
	}
	subnet, err := s.Allocator.SubnetFor(vlan)
	if err != nil {
		return gateway.Target{}, err
	}
	target.Subnet = subnet.String()
	return target, nil
}
