// Package netprov builds the per-VLAN network domain: a namespace hosting the
// DHCP server, a link pair into it, tagged switch ports and the gateway port.
package netprov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
)

// Request describes one VLAN segment to provision.
type Request struct {
	SliceID    string
	Switch     string
	Allocation models.Allocation
}

func (r Request) unit() string {
	return fmt.Sprintf("vlan %d", r.Allocation.VLAN)
}

// StepError reports the state whose transition failed and anything the
// rollback could not undo.
type StepError struct {
	State       models.SegmentState
	Err         error
	RollbackErr error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("transition to %s: %v", e.State, e.Err)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback: %v)", e.RollbackErr)
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Provisioner walks a VLAN segment through its states, undoing completed
// transitions when a later one fails.
type Provisioner struct {
	Host   Host
	Switch Switch
	Logger *slog.Logger
}

// New returns a provisioner bound to host and sw.
func New(host Host, sw Switch, logger *slog.Logger) *Provisioner {
	return &Provisioner{Host: host, Switch: sw, Logger: logger}
}

func (p *Provisioner) logger() *slog.Logger {
	return logging.Ensure(p.Logger)
}

type transition struct {
	state models.SegmentState
	apply func(ctx context.Context, undo *rollbackStack) error
}

// Provision creates the segment described by req. Preconditions are checked
// before the first mutation; on failure the host is left as it was found.
func (p *Provisioner) Provision(ctx context.Context, req Request) (models.VLANSegment, error) {
	if err := p.preflight(ctx, req); err != nil {
		return models.VLANSegment{}, err
	}

	names := segmentNames(req)
	logger := p.logger().With("slice", req.SliceID, "vlan", req.Allocation.VLAN, "namespace", names.namespace)

	undo := &rollbackStack{}
	state := models.StateAbsent
	for _, t := range p.transitions(req, names) {
		if err := ctx.Err(); err != nil {
			return models.VLANSegment{}, p.abort(undo, t.state, err, logger)
		}
		if err := t.apply(ctx, undo); err != nil {
			return models.VLANSegment{}, p.abort(undo, t.state, err, logger)
		}
		state = t.state
		logger.Debug("segment transition complete", "state", state)
	}

	alloc := req.Allocation
	logger.Info("segment provisioned", "subnet", alloc.Subnet.String(), "gateway", alloc.Gateway.String())
	return models.VLANSegment{
		SliceID:     req.SliceID,
		VLAN:        alloc.VLAN,
		Subnet:      alloc.Subnet.String(),
		Gateway:     alloc.Gateway.String(),
		DHCPStart:   alloc.DHCPStart.String(),
		DHCPEnd:     alloc.DHCPEnd.String(),
		ServerIP:    alloc.ServerIP.String(),
		Namespace:   names.namespace,
		Switch:      req.Switch,
		SwitchPorts: []string{names.switchVeth, names.gateway},
		State:       state,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Release removes everything Provision creates for req. It is idempotent and
// tolerates partially provisioned segments.
func (p *Provisioner) Release(ctx context.Context, req Request) error {
	names := segmentNames(req)
	var errs []error
	if err := p.Switch.DeletePort(ctx, req.Switch, names.gateway); err != nil {
		errs = append(errs, err)
	}
	if err := p.Switch.DeletePort(ctx, req.Switch, names.switchVeth); err != nil {
		errs = append(errs, err)
	}
	if err := p.Host.DeleteLink(names.switchVeth); err != nil {
		errs = append(errs, err)
	}
	if err := p.Host.DeleteNamespace(names.namespace); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Provisioner) preflight(ctx context.Context, req Request) error {
	unit := req.unit()
	if err := naming.ValidateID(req.SliceID); err != nil {
		return err
	}
	if err := allocator.ValidateVLAN(req.Allocation.VLAN); err != nil {
		return err
	}
	if req.Switch == "" {
		return models.Errorf(models.ErrValidation, "provision", unit, "switch name is required")
	}
	alloc := req.Allocation
	if alloc.Subnet == nil || alloc.Gateway == nil || alloc.ServerIP == nil {
		return models.Errorf(models.ErrValidation, "provision", unit, "allocation is incomplete")
	}

	exists, err := p.Switch.BridgeExists(ctx, req.Switch)
	if err != nil {
		return fmt.Errorf("check switch %s: %w", req.Switch, err)
	}
	if !exists {
		return models.Errorf(models.ErrDependencyMissing, "provision", unit, "switch %s does not exist", req.Switch)
	}

	names := segmentNames(req)
	nsExists, err := p.Host.NamespaceExists(names.namespace)
	if err != nil {
		return fmt.Errorf("check namespace %s: %w", names.namespace, err)
	}
	if nsExists {
		return models.Errorf(models.ErrResourceConflict, "provision", unit, "namespace %s already exists", names.namespace)
	}
	for _, link := range []string{names.switchVeth, names.gateway} {
		linkExists, err := p.Host.LinkExists("", link)
		if err != nil {
			return fmt.Errorf("check link %s: %w", link, err)
		}
		if linkExists {
			return models.Errorf(models.ErrResourceConflict, "provision", unit, "interface %s already exists", link)
		}
	}
	return nil
}

func (p *Provisioner) transitions(req Request, names segmentNameSet) []transition {
	alloc := req.Allocation
	mask := alloc.Subnet.Mask
	return []transition{
		{
			state: models.StateNamespaceCreated,
			apply: func(_ context.Context, undo *rollbackStack) error {
				if err := p.Host.CreateNamespace(names.namespace); err != nil {
					return err
				}
				undo.push("delete namespace "+names.namespace, func(context.Context) error {
					return p.Host.DeleteNamespace(names.namespace)
				})
				return nil
			},
		},
		{
			state: models.StateLinkAttached,
			apply: func(_ context.Context, undo *rollbackStack) error {
				if err := p.Host.CreateVethPair(names.switchVeth, names.namespaceVeth); err != nil {
					return err
				}
				undo.push("delete link "+names.switchVeth, func(context.Context) error {
					return p.Host.DeleteLink(names.switchVeth)
				})
				return p.Host.MoveToNamespace(names.namespaceVeth, names.namespace)
			},
		},
		{
			state: models.StateSwitchPorted,
			apply: func(ctx context.Context, undo *rollbackStack) error {
				if err := p.Switch.AddPort(ctx, req.Switch, names.switchVeth, alloc.VLAN); err != nil {
					return err
				}
				undo.push("delete port "+names.switchVeth, func(ctx context.Context) error {
					return p.Switch.DeletePort(ctx, req.Switch, names.switchVeth)
				})
				if err := p.Switch.AddInternalPort(ctx, req.Switch, names.gateway, alloc.VLAN); err != nil {
					return err
				}
				undo.push("delete port "+names.gateway, func(ctx context.Context) error {
					return p.Switch.DeletePort(ctx, req.Switch, names.gateway)
				})
				return nil
			},
		},
		{
			state: models.StateAddressed,
			apply: func(context.Context, *rollbackStack) error {
				if err := p.Host.AssignAddress("", names.gateway, &net.IPNet{IP: alloc.Gateway, Mask: mask}); err != nil {
					return err
				}
				return p.Host.AssignAddress(names.namespace, names.namespaceVeth, &net.IPNet{IP: alloc.ServerIP, Mask: mask})
			},
		},
		{
			state: models.StateUp,
			apply: func(context.Context, *rollbackStack) error {
				if err := p.Host.SetLinkUp("", names.switchVeth); err != nil {
					return err
				}
				if err := p.Host.SetLinkUp("", names.gateway); err != nil {
					return err
				}
				if err := p.Host.SetLinkUp(names.namespace, "lo"); err != nil {
					return err
				}
				if err := p.Host.SetLinkUp(names.namespace, names.namespaceVeth); err != nil {
					return err
				}
				return p.Host.SetDefaultRoute(names.namespace, names.namespaceVeth, alloc.Gateway)
			},
		},
	}
}

func (p *Provisioner) abort(undo *rollbackStack, state models.SegmentState, cause error, logger *slog.Logger) error {
	logger.Warn("segment transition failed; rolling back", "state", state, "error", cause)
	// Rollback must run even when the request context is already cancelled.
	rollbackCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rollbackErr := undo.unwind(rollbackCtx, logger)
	return &StepError{State: state, Err: cause, RollbackErr: rollbackErr}
}

type segmentNameSet struct {
	namespace     string
	switchVeth    string
	namespaceVeth string
	gateway       string
}

func segmentNames(req Request) segmentNameSet {
	vlan := req.Allocation.VLAN
	return segmentNameSet{
		namespace:     naming.Namespace(req.SliceID, vlan),
		switchVeth:    naming.SwitchVeth(req.SliceID, vlan),
		namespaceVeth: naming.NamespaceVeth(req.SliceID, vlan),
		gateway:       naming.GatewayPort(req.SliceID, vlan),
	}
}
