package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/inventory"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
	"github.com/cochaviz/slicenet/internal/netprov"
)

// NetworkRequest asks for a slice made of a single VLAN.
type NetworkRequest struct {
	// SliceID defaults to the VLAN id.
	SliceID   string
	VLAN      int
	Switch    string
	RangeSize int
}

func (r NetworkRequest) sliceID() string {
	if r.SliceID == "" {
		return strconv.Itoa(r.VLAN)
	}
	return r.SliceID
}

// RangeRequest asks for one segment per VLAN of a contiguous range. Gateway
// is the ingress address of the first VLAN.
type RangeRequest struct {
	SliceID string
	VLANs   allocator.VLANRange
	Switch  string
	Gateway string
}

// CreateNetwork provisions a single VLAN segment. A conflict or missing
// dependency on that segment fails the call, since it is the only unit.
func (s *Service) CreateNetwork(ctx context.Context, req NetworkRequest) (*models.Report, error) {
	if err := s.preflight(networkCommands...); err != nil {
		return nil, err
	}
	sliceID := req.sliceID()
	if err := validateSlice(sliceID, req.Switch, "create network"); err != nil {
		return nil, err
	}
	alloc, err := s.Allocator.Allocate(req.VLAN, req.RangeSize)
	if err != nil {
		return nil, err
	}

	release, err := s.lockSlice(sliceID, "create network")
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	report := &models.Report{Operation: "create-network", ID: sliceID}
	result, unitErr := s.provisionVLAN(ctx, sliceID, req.Switch, alloc)
	report.Add(result)
	report.Finish()

	var opErr error
	if unitErr != nil && (models.IsPrecondition(unitErr) || errors.Is(unitErr, models.ErrResourceConflict)) {
		opErr = unitErr
	}
	s.record(ctx, report.Operation, sliceID, started, report, opErr)
	s.publish(ctx, sliceID)
	return report, opErr
}

// CreateNetworkRange provisions every VLAN of the range independently. A
// failing VLAN is reported and never stops its siblings.
func (s *Service) CreateNetworkRange(ctx context.Context, req RangeRequest) (*models.Report, error) {
	if err := s.preflight(networkCommands...); err != nil {
		return nil, err
	}
	if err := validateSlice(req.SliceID, req.Switch, "create network range"); err != nil {
		return nil, err
	}
	allocs, err := s.Allocator.AllocateRange(req.VLANs, req.Gateway)
	if err != nil {
		return nil, err
	}

	release, err := s.lockSlice(req.SliceID, "create network range")
	if err != nil {
		return nil, err
	}
	defer release()

	started := time.Now()
	report := s.provisionRange(ctx, req.SliceID, req.Switch, allocs)
	s.record(ctx, report.Operation, req.SliceID, started, report, nil)
	s.publish(ctx, req.SliceID)
	return report, nil
}

func (s *Service) provisionRange(ctx context.Context, sliceID, switchName string, allocs []models.Allocation) *models.Report {
	results := make([]models.UnitResult, len(allocs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency())
	for i, alloc := range allocs {
		group.Go(func() error {
			results[i], _ = s.provisionVLAN(groupCtx, sliceID, switchName, alloc)
			return nil
		})
	}
	_ = group.Wait()

	report := &models.Report{Operation: "create-network-range", ID: sliceID, Results: results}
	return report.Finish()
}

// provisionVLAN reserves, provisions and starts DHCP for one VLAN. Any
// failure leaves the VLAN unreserved and its segment released.
func (s *Service) provisionVLAN(ctx context.Context, sliceID, switchName string, alloc models.Allocation) (models.UnitResult, error) {
	unit := fmt.Sprintf("vlan %d", alloc.VLAN)
	logger := s.logger().With("slice", sliceID, "vlan", alloc.VLAN)

	fail := func(err error) (models.UnitResult, error) {
		logger.Error("vlan provisioning failed", "error", err)
		return models.Failed(unit, err), err
	}

	if !s.vlans.tryLock(alloc.VLAN) {
		return fail(models.Errorf(models.ErrResourceConflict, "provision", unit, "vlan %d is being provisioned by another request", alloc.VLAN))
	}
	defer s.vlans.unlock(alloc.VLAN)

	if err := s.Inventory.EnsureSlice(ctx, sliceID, switchName); err != nil {
		return fail(err)
	}
	if err := s.Inventory.ReserveVLAN(ctx, sliceID, alloc.VLAN, switchName); err != nil {
		if errors.Is(err, inventory.ErrDuplicate) {
			return fail(models.Errorf(models.ErrResourceConflict, "provision", unit, "vlan %d is already provisioned", alloc.VLAN))
		}
		return fail(err)
	}
	unreserve := func() {
		if err := s.Inventory.ReleaseVLAN(context.WithoutCancel(ctx), alloc.VLAN); err != nil {
			logger.Warn("failed to release vlan reservation", "error", err)
		}
	}

	netReq := netprov.Request{SliceID: sliceID, Switch: switchName, Allocation: alloc}
	seg, err := s.Network.Provision(ctx, netReq)
	if err != nil {
		unreserve()
		return fail(err)
	}

	handle, err := s.DHCP.Start(ctx, dhcp.Spec{
		SliceID:   sliceID,
		VLAN:      alloc.VLAN,
		Namespace: seg.Namespace,
		Interface: naming.NamespaceVeth(sliceID, alloc.VLAN),
		Start:     alloc.DHCPStart,
		End:       alloc.DHCPEnd,
		Gateway:   alloc.Gateway,
		Netmask:   alloc.Netmask(),
	})
	if err != nil {
		if releaseErr := s.Network.Release(context.WithoutCancel(ctx), netReq); releaseErr != nil {
			logger.Warn("failed to release segment after dhcp failure", "error", releaseErr)
		}
		unreserve()
		return fail(fmt.Errorf("start dhcp: %w", err))
	}

	seg.DHCPPid = handle.Pid
	seg.PidFile = handle.PidFile
	seg.LeaseFile = handle.LeaseFile
	if err := s.Inventory.SaveSegment(ctx, seg); err != nil {
		logger.Warn("failed to record segment", "error", err)
	}

	logger.Info("vlan provisioned", "subnet", seg.Subnet, "gateway", seg.Gateway, "dhcp_pid", handle.Pid)
	return models.Succeeded(unit, fmt.Sprintf("subnet %s gateway %s dhcp %s-%s", seg.Subnet, seg.Gateway, seg.DHCPStart, seg.DHCPEnd)), nil
}

func validateSlice(sliceID, switchName, op string) error {
	if err := naming.ValidateID(sliceID); err != nil {
		return err
	}
	if strings.TrimSpace(switchName) == "" {
		return models.Errorf(models.ErrValidation, op, sliceID, "switch name is required")
	}
	return nil
}
