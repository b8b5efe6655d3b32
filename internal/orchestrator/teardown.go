package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/gc"
	"github.com/cochaviz/slicenet/internal/inventory"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
)

// TeardownResult pairs the per-step report with the collector detail.
type TeardownResult struct {
	Report *models.Report `json:"report"`
	Detail gc.Report      `json:"detail"`
}

// Teardown removes every resource of id. The switch falls back to the one
// recorded for the slice, and to every bridge when none is known. Survivors
// are reported as a PartialTeardown warning, not as an error.
func (s *Service) Teardown(ctx context.Context, id, switchName string) (*TeardownResult, error) {
	if err := s.preflight(teardownCommands...); err != nil {
		return nil, err
	}
	if err := naming.ValidateID(id); err != nil {
		return nil, err
	}

	release, err := s.lockSlice(id, "teardown")
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	result, err := s.teardown(ctx, id, switchName)
	var report *models.Report
	if result != nil {
		report = result.Report
	}
	s.record(ctx, "teardown", id, started, report, err)
	return result, err
}

func (s *Service) teardown(ctx context.Context, id, switchName string) (*TeardownResult, error) {
	logger := s.logger().With("slice", id)
	if switchName == "" {
		slice, err := s.Inventory.GetSlice(ctx, id)
		switch {
		case err == nil:
			switchName = slice.Switch
		case errors.Is(err, inventory.ErrNotFound):
			logger.Info("slice not in inventory, discovering resources by name")
		default:
			logger.Warn("failed to load slice, discovering resources by name", "error", err)
		}
	}

	detail, err := s.Collector.Teardown(ctx, gc.Target{ID: id, Switch: switchName})
	if err != nil {
		return nil, err
	}

	report := &models.Report{Operation: "teardown", ID: id, Warnings: detail.Warnings}
	for _, step := range detail.Steps {
		if step.Step == gc.StepVerify && !detail.Clean() {
			report.Add(models.Failed(string(step.Step), detail.Err()))
			continue
		}
		report.Add(stepResult(step))
	}
	report.Finish()

	if detail.Clean() {
		if err := s.Inventory.DeleteSlice(ctx, id); err != nil {
			logger.Warn("failed to remove slice from inventory", "error", err)
		}
		if s.Topology != nil {
			if err := s.Topology.Delete(id); err != nil {
				logger.Warn("failed to remove slice topology", "error", err)
			}
		}
	} else {
		s.publish(ctx, id)
	}
	return &TeardownResult{Report: report, Detail: detail}, nil
}

func stepResult(step gc.StepResult) models.UnitResult {
	unit := string(step.Step)
	if len(step.Errors) > 0 {
		return models.UnitResult{
			Unit:   unit,
			Status: models.UnitFailed,
			Kind:   models.ErrPartialTeardown.Error(),
			Reason: fmt.Sprintf("removed %d, %d errors: %s", len(step.Removed), len(step.Errors), step.Errors[0]),
		}
	}
	if step.Step == gc.StepVerify {
		return models.Succeeded(unit, "nothing remains")
	}
	if len(step.Removed) == 0 {
		return models.Skipped(unit, "nothing to remove")
	}
	return models.Succeeded(unit, fmt.Sprintf("removed %d", len(step.Removed)))
}

// StatusResult combines the recorded slice with what exists on the host.
type StatusResult struct {
	// Slice is nil when the inventory has no record of the identifier.
	Slice  *models.Slice           `json:"slice,omitempty"`
	Live   gc.Inventory            `json:"live"`
	Leases map[string][]dhcp.Lease `json:"leases,omitempty"`
	Errors []string                `json:"errors,omitempty"`
}

// Status reports the recorded and live state of id without changing it.
func (s *Service) Status(ctx context.Context, id, switchName string) (*StatusResult, error) {
	if err := naming.ValidateID(id); err != nil {
		return nil, err
	}
	result := &StatusResult{}

	slice, err := s.Inventory.GetSlice(ctx, id)
	switch {
	case err == nil:
		result.Slice = &slice
		if switchName == "" {
			switchName = slice.Switch
		}
	case !errors.Is(err, inventory.ErrNotFound):
		result.Errors = append(result.Errors, err.Error())
	}

	live, err := s.Collector.Status(ctx, id, switchName)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	result.Live = live

	for _, path := range live.LeaseFiles {
		leases, err := dhcp.ReadLeases(path)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if result.Leases == nil {
			result.Leases = make(map[string][]dhcp.Lease)
		}
		result.Leases[path] = leases
	}
	return result, nil
}
