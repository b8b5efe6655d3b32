package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cochaviz/slicenet/internal/inventory"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/placement"
)

// PlaceRequest asks for Count VMs of Image on a VLAN of a slice.
type PlaceRequest struct {
	// SliceID defaults to the VLAN id.
	SliceID string
	VLAN    int
	Count   int
	Image   string
	// Switch defaults to the switch recorded for the VLAN, then to the
	// service default.
	Switch string
	Flavor models.Flavor
	// WorkerOffset continues the worker rotation of an earlier batch.
	WorkerOffset int
}

// PlaceVMs places the VMs and records every outcome. Per-VM failures are
// reported in the result and never fail the call.
func (s *Service) PlaceVMs(ctx context.Context, req PlaceRequest) (*models.Report, []models.VM, error) {
	if err := s.preflight(); err != nil {
		return nil, nil, err
	}
	if req.SliceID == "" {
		req.SliceID = strconv.Itoa(req.VLAN)
	}

	release, err := s.lockSlice(req.SliceID, "place vms")
	if err != nil {
		return nil, nil, err
	}
	defer release()

	started := time.Now()
	report, vms, err := s.placeVMs(ctx, req)
	s.record(ctx, "place-vms", req.SliceID, started, report, err)
	if err != nil {
		return nil, nil, err
	}
	s.publish(ctx, req.SliceID)
	return report, vms, nil
}

func (s *Service) placeVMs(ctx context.Context, req PlaceRequest) (*models.Report, []models.VM, error) {
	placeReq := placement.Request{
		SliceID: req.SliceID,
		VLAN:    req.VLAN,
		Count:   req.Count,
		Image:   req.Image,
		Switch:  s.placementSwitch(ctx, req),
		Flavor:  req.Flavor,

		WorkerOffset: req.WorkerOffset,
	}
	next, err := s.Inventory.NextVMIndex(ctx, req.SliceID)
	if err != nil {
		return nil, nil, err
	}
	placeReq.FirstIndex = next
	if err := s.Placement.Validate(placeReq); err != nil {
		return nil, nil, err
	}

	vms, err := s.Placement.Place(ctx, placeReq)
	if err != nil {
		return nil, nil, err
	}

	if err := s.Inventory.EnsureSlice(ctx, req.SliceID, placeReq.Switch); err != nil {
		s.logger().Warn("failed to record slice", "slice", req.SliceID, "error", err)
	} else if err := s.Inventory.SaveVMs(ctx, vms); err != nil {
		s.logger().Warn("failed to record vms", "slice", req.SliceID, "error", err)
	}

	report := &models.Report{Operation: "place-vms", ID: req.SliceID}
	for _, vm := range vms {
		report.Add(vmResult(vm))
	}
	return report.Finish(), vms, nil
}

func (s *Service) placementSwitch(ctx context.Context, req PlaceRequest) string {
	if req.Switch != "" {
		return req.Switch
	}
	seg, err := s.Inventory.GetSegment(ctx, req.VLAN)
	if err == nil && seg.Switch != "" {
		return seg.Switch
	}
	if err != nil && !errors.Is(err, inventory.ErrNotFound) {
		s.logger().Warn("failed to load segment switch", "vlan", req.VLAN, "error", err)
	}
	return s.DefaultSwitch
}

func vmResult(vm models.VM) models.UnitResult {
	if vm.Status == models.VMCreated {
		return models.Succeeded(vm.Name, fmt.Sprintf("worker %s vnc :%d (port %d)", vm.Worker, vm.VNCDisplay, vm.VNCPort))
	}
	result := models.UnitResult{Unit: vm.Name, Status: models.UnitFailed, Reason: vm.Reason}
	if vm.Worker != "" {
		result.Reason = fmt.Sprintf("worker %s: %s", vm.Worker, vm.Reason)
	}
	return result
}
