// Package orchestrator drives the provisioning flow of a slice: allocation,
// segment provisioning, DHCP, egress and VM placement, and the teardown that
// reverses it.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/gateway"
	"github.com/cochaviz/slicenet/internal/gc"
	"github.com/cochaviz/slicenet/internal/inventory"
	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/netprov"
	"github.com/cochaviz/slicenet/internal/placement"
	"github.com/cochaviz/slicenet/internal/topology"
)

// Provisioner builds and releases VLAN segments.
type Provisioner interface {
	Provision(ctx context.Context, req netprov.Request) (models.VLANSegment, error)
	Release(ctx context.Context, req netprov.Request) error
}

// DHCP runs the DHCP server of a segment.
type DHCP interface {
	Start(ctx context.Context, spec dhcp.Spec) (dhcp.Handle, error)
	Stop(ctx context.Context, h dhcp.Handle) error
}

// Gateway toggles egress for a segment.
type Gateway interface {
	Enable(ctx context.Context, t gateway.Target) ([]gateway.RuleResult, error)
	Disable(ctx context.Context, t gateway.Target) ([]gateway.RuleResult, error)
}

// Placer places VMs on workers.
type Placer interface {
	Validate(req placement.Request) error
	Place(ctx context.Context, req placement.Request) ([]models.VM, error)
	Workers(ctx context.Context) []models.Worker
}

// Collector removes and lists resources by name.
type Collector interface {
	Teardown(ctx context.Context, target gc.Target) (gc.Report, error)
	Status(ctx context.Context, id, bridge string) (gc.Inventory, error)
}

// Preflight verifies privilege and the presence of the given host commands.
type Preflight func(commands ...string) error

// Commands each operation needs on the host.
var (
	networkCommands  = []string{"ip", "ovs-vsctl", "dnsmasq"}
	internetCommands = []string{"iptables"}
	teardownCommands = []string{"ip", "ovs-vsctl"}
)

// Service runs operations against the host and the workers. Every field
// except Topology, Preflight and Logger is required.
type Service struct {
	Allocator *allocator.Allocator
	Network   Provisioner
	DHCP      DHCP
	Gateway   Gateway
	Placement Placer
	Collector Collector
	Inventory *inventory.Store
	Topology  *topology.Store
	Preflight Preflight

	// Concurrency bounds the VLANs of a range provisioned at once.
	Concurrency int
	// DefaultSwitch is used by placements when the slice has no recorded switch.
	DefaultSwitch string
	Logger        *slog.Logger

	vlans  lockSet
	slices lockSet
}

func (s *Service) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

func (s *Service) concurrency() int {
	if s.Concurrency < 1 {
		return 4
	}
	return s.Concurrency
}

func (s *Service) preflight(commands ...string) error {
	if s.Preflight == nil {
		return nil
	}
	return s.Preflight(commands...)
}

// lockSlice keeps create, placement and teardown of one slice from
// interleaving within this process.
func (s *Service) lockSlice(id, op string) (func(), error) {
	if !s.slices.tryLock(id) {
		return nil, models.Errorf(models.ErrResourceConflict, op, id, "another operation on slice %s is in progress", id)
	}
	return func() { s.slices.unlock(id) }, nil
}

// record stores the outcome of an operation. Failures to record are logged
// and never change the outcome.
func (s *Service) record(ctx context.Context, kind, sliceID string, started time.Time, report *models.Report, opErr error) {
	op := models.Operation{
		Kind:       kind,
		SliceID:    sliceID,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if report != nil {
		op.Summary = report.Summary
	}
	op.Status = models.StatusOf(op.Summary, opErr)
	if opErr != nil {
		op.Error = opErr.Error()
	}
	if _, err := s.Inventory.RecordOperation(context.WithoutCancel(ctx), op); err != nil {
		s.logger().Warn("failed to record operation", "kind", kind, "slice", sliceID, "error", err)
	}
}

// publish writes the current topology of the slice for the metadata store.
func (s *Service) publish(ctx context.Context, sliceID string) {
	if s.Topology == nil {
		return
	}
	slice, err := s.Inventory.GetSlice(context.WithoutCancel(ctx), sliceID)
	if err != nil {
		if !errors.Is(err, inventory.ErrNotFound) {
			s.logger().Warn("failed to load slice topology", "slice", sliceID, "error", err)
		}
		return
	}
	if _, err := s.Topology.Write(slice); err != nil {
		s.logger().Warn("failed to publish slice topology", "slice", sliceID, "error", err)
	}
}

// Workers probes the configured workers.
func (s *Service) Workers(ctx context.Context) []models.Worker {
	return s.Placement.Workers(ctx)
}
