package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/gateway"
	"github.com/cochaviz/slicenet/internal/gc"
	"github.com/cochaviz/slicenet/internal/inventory"
	"github.com/cochaviz/slicenet/internal/netprov"
	"github.com/cochaviz/slicenet/internal/orchestrator"
	"github.com/cochaviz/slicenet/internal/ovs"
	"github.com/cochaviz/slicenet/internal/placement"
	"github.com/cochaviz/slicenet/internal/placement/libvirtagent"
	"github.com/cochaviz/slicenet/internal/placement/sshagent"
	"github.com/cochaviz/slicenet/internal/setup"
	"github.com/cochaviz/slicenet/internal/topology"
)

// app is the wired orchestrator of one command invocation.
type app struct {
	config   setup.Config
	store    *inventory.Store
	topology *topology.Store
	service  *orchestrator.Service
}

func openApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := setup.LoadConfig()
	if err != nil {
		return nil, err
	}
	alloc, err := allocator.New(cfg.Allocator)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		return nil, fmt.Errorf("make state dir: %w", err)
	}
	store, err := inventory.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	host := netprov.NetlinkHost{}
	sw := ovs.New(logger.With("component", "ovs"))
	dhcpManager := dhcp.NewManager(cfg.DHCPManagerConfig(), logger.With("component", "dhcp"))
	gw := gateway.NewController(logger.With("component", "gateway"))
	gw.External = cfg.ExternalInterface
	topo := topology.NewStore(cfg.TopologyDir)

	scheduler := placement.NewScheduler(workerAgents(cfg, logger), cfg.Placement, logger.With("component", "placement"))
	collector := &gc.Collector{
		Host:   host,
		Switch: sw,
		DHCP:   dhcpManager,
		Rules:  gw,
		Paths:  cfg.Paths(),
		Logger: logger.With("component", "gc"),
	}

	service := &orchestrator.Service{
		Allocator:     alloc,
		Network:       netprov.New(host, sw, logger.With("component", "netprov")),
		DHCP:          dhcpManager,
		Gateway:       gw,
		Placement:     scheduler,
		Collector:     collector,
		Inventory:     store,
		Topology:      topo,
		Preflight:     setup.Preflight,
		Concurrency:   cfg.Concurrency,
		DefaultSwitch: cfg.DefaultSwitch,
		Logger:        logger.With("component", "orchestrator"),
	}
	return &app{config: cfg, store: store, topology: topo, service: service}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func workerAgents(cfg setup.Config, logger *slog.Logger) []placement.WorkerAgent {
	agents := make([]placement.WorkerAgent, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		agentLogger := logger.With("component", "worker")
		switch w.Driver {
		case setup.DriverLibvirt:
			agents = append(agents, libvirtagent.New(w.Name, w.Address, libvirtagent.Config{
				URI:          w.URI,
				ImagePool:    cfg.Libvirt.ImagePool,
				InstancePool: cfg.Libvirt.InstancePool,
			}, agentLogger))
		default:
			agents = append(agents, sshagent.New(w.Name, w.Address, cfg.SSH, agentLogger))
		}
	}
	return agents
}

// withApp opens the app, runs fn and closes the inventory.
func withApp(ctx context.Context, logger *slog.Logger, fn func(*app) error) error {
	a, err := openApp(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close inventory", "error", err)
		}
	}()
	return fn(a)
}
