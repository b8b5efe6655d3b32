// Package placement assigns VMs to workers round-robin, picks collision-free
// VNC displays per worker and dispatches the create command to each worker's
// hypervisor agent.
package placement

import (
	"context"

	"github.com/cochaviz/slicenet/internal/models"
)

// WorkerAgent is the hypervisor agent running on one worker. Implementations
// own the transport; the scheduler only relies on these calls.
type WorkerAgent interface {
	Name() string
	Address() string
	// IsReachable returns nil when the worker answers a liveness probe.
	IsReachable(ctx context.Context) error
	// ListUsedPorts returns the VNC TCP ports held by running VMs.
	ListUsedPorts(ctx context.Context) ([]int, error)
	// CreateVM boots one VM. It is invoked at most once per VM.
	CreateVM(ctx context.Context, req CreateRequest) error
}

// CreateRequest carries everything a worker needs to boot one VM.
type CreateRequest struct {
	VMName      string
	ProcessName string
	SliceID     string
	Index       int
	VLAN        int
	Display     int
	Port        int
	Switch      string
	Tap         string
	Image       string
	Flavor      models.Flavor
}
