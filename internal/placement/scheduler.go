package placement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
)

// MaxVMs bounds a single request so tap names stay within the interface name limit.
const MaxVMs = 999

// Config tunes probing, dispatch and display assignment.
type Config struct {
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	// Concurrency bounds in-flight CreateVM calls per worker.
	Concurrency int `yaml:"concurrency"`
	MinDisplay  int `yaml:"min_display"`
	MaxDisplay  int `yaml:"max_display"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:    10 * time.Second,
		DispatchTimeout: 5 * time.Minute,
		Concurrency:     4,
		MinDisplay:      1,
		MaxDisplay:      1000,
	}
}

// Request asks for Count VMs of Image on one VLAN.
type Request struct {
	SliceID string
	VLAN    int
	Count   int
	Image   string
	Switch  string
	Flavor  models.Flavor
	// FirstIndex numbers the first VM of the batch; zero means 1. Later
	// batches of a slice continue where earlier ones stopped.
	FirstIndex int
	// WorkerOffset shifts the rotation so consecutive batches of one
	// operation continue on the worker after the last one used.
	WorkerOffset int
}

func (r Request) firstIndex() int {
	if r.FirstIndex < 1 {
		return 1
	}
	return r.FirstIndex
}

// Scheduler places VMs on a fixed set of workers.
type Scheduler struct {
	Agents []WorkerAgent
	Config Config
	Logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewScheduler returns a scheduler over agents in their configured order.
func NewScheduler(agents []WorkerAgent, cfg Config, logger *slog.Logger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaults.DispatchTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.MinDisplay <= 0 {
		cfg.MinDisplay = defaults.MinDisplay
	}
	if cfg.MaxDisplay < cfg.MinDisplay {
		cfg.MaxDisplay = defaults.MaxDisplay
	}
	return &Scheduler{Agents: agents, Config: cfg, Logger: logger}
}

func (s *Scheduler) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

func (s *Scheduler) workerLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

// Validate checks req before anything is probed or dispatched.
func (s *Scheduler) Validate(req Request) error {
	if err := naming.ValidateID(req.SliceID); err != nil {
		return err
	}
	if err := allocator.ValidateVLAN(req.VLAN); err != nil {
		return err
	}
	if req.Count < 1 || req.firstIndex()+req.Count-1 > MaxVMs {
		return models.Errorf(models.ErrValidation, "place vms", req.SliceID, "vm count must be between 1 and %d per slice, got %d starting at %d", MaxVMs, req.Count, req.firstIndex())
	}
	if strings.TrimSpace(req.Image) == "" {
		return models.Errorf(models.ErrValidation, "place vms", req.SliceID, "image reference is required")
	}
	if strings.TrimSpace(req.Switch) == "" {
		return models.Errorf(models.ErrValidation, "place vms", req.SliceID, "switch name is required")
	}
	if req.WorkerOffset < 0 {
		return models.Errorf(models.ErrValidation, "place vms", req.SliceID, "worker offset must not be negative")
	}
	if len(s.Agents) == 0 {
		return models.Errorf(models.ErrDependencyMissing, "place vms", req.SliceID, "no workers configured")
	}
	return nil
}

// Place assigns the n-th VM of the batch (1-based) to worker
// (WorkerOffset+n-1) mod W over the configured worker list. VMs pinned to an unreachable worker are reported failed and
// not moved elsewhere. Per-VM failures never abort the batch; only invalid
// requests return an error.
func (s *Scheduler) Place(ctx context.Context, req Request) ([]models.VM, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	if req.Flavor == (models.Flavor{}) {
		req.Flavor = models.DefaultFlavor
	}

	logger := s.logger().With("slice_id", req.SliceID, "vlan", req.VLAN)
	probes := s.probe(ctx)

	now := time.Now().UTC()
	vms := make([]models.VM, req.Count)
	pinned := make([][]int, len(s.Agents))
	for i := range vms {
		worker := (req.WorkerOffset + i) % len(s.Agents)
		agent := s.Agents[worker]
		vms[i] = models.VM{
			Name:      naming.VMName(req.SliceID, req.firstIndex()+i),
			SliceID:   req.SliceID,
			VLAN:      req.VLAN,
			Worker:    agent.Name(),
			Image:     req.Image,
			Status:    models.VMRequested,
			CreatedAt: now,
		}
		if err := probes[worker]; err != nil {
			vms[i].Status = models.VMFailed
			vms[i].Reason = models.Wrap(models.ErrRemoteUnreachable, "probe worker", agent.Name(), err).Error()
			continue
		}
		pinned[worker] = append(pinned[worker], i)
	}

	var g errgroup.Group
	for worker, indices := range pinned {
		if len(indices) == 0 {
			continue
		}
		agent := s.Agents[worker]
		g.Go(func() error {
			s.placeOnWorker(ctx, agent, req, vms, indices, logger.With("worker", agent.Name()))
			return nil
		})
	}
	_ = g.Wait()

	created := 0
	for _, vm := range vms {
		if vm.Status == models.VMCreated {
			created++
		}
	}
	logger.Info("placement finished", "requested", req.Count, "created", created, "failed", req.Count-created)
	return vms, nil
}

// placeOnWorker holds the worker lock from port discovery until every
// dispatched VM returned, so concurrent placements never reuse a display.
func (s *Scheduler) placeOnWorker(ctx context.Context, agent WorkerAgent, req Request, vms []models.VM, indices []int, logger *slog.Logger) {
	lock := s.workerLock(agent.Name())
	lock.Lock()
	defer lock.Unlock()

	fail := func(kind error, op string, err error) {
		for _, i := range indices {
			vms[i].Status = models.VMFailed
			vms[i].Reason = models.Wrap(kind, op, vms[i].Name, err).Error()
		}
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.Config.ProbeTimeout)
	used, err := agent.ListUsedPorts(queryCtx)
	cancel()
	if err != nil {
		logger.Warn("listing used VNC ports failed", "error", err)
		fail(models.ErrRemoteCommand, "list used ports", err)
		return
	}

	displays, err := AssignDisplays(used, len(indices), s.Config.MinDisplay, s.Config.MaxDisplay)
	if err != nil {
		logger.Warn("not enough free VNC displays", "error", err)
		fail(models.ErrResourceConflict, "assign vnc display", err)
		return
	}
	logger.Debug("assigned VNC displays", "used_ports", len(used), "displays", displays)

	var g errgroup.Group
	g.SetLimit(s.Config.Concurrency)
	for slot, i := range indices {
		display := displays[slot]
		vm := &vms[i]
		vm.VNCDisplay = display
		vm.VNCPort = models.VNCBasePort + display
		create := CreateRequest{
			VMName:      vm.Name,
			ProcessName: naming.VMProcessName(req.SliceID, vm.Name),
			SliceID:     req.SliceID,
			Index:       req.firstIndex() + i,
			VLAN:        req.VLAN,
			Display:     display,
			Port:        vm.VNCPort,
			Switch:      req.Switch,
			Tap:         naming.TapName(req.SliceID, req.firstIndex()+i, req.VLAN),
			Image:       req.Image,
			Flavor:      req.Flavor,
		}
		g.Go(func() error {
			dispatchCtx, cancel := context.WithTimeout(ctx, s.Config.DispatchTimeout)
			defer cancel()
			if err := agent.CreateVM(dispatchCtx, create); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("create timed out after %s: %w", s.Config.DispatchTimeout, err)
				}
				vm.Status = models.VMFailed
				vm.Reason = models.Wrap(models.ErrRemoteCommand, "create vm", vm.Name, err).Error()
				logger.Warn("vm creation failed", "vm", vm.Name, "error", err)
				return nil
			}
			vm.Status = models.VMCreated
			logger.Info("vm created", "vm", vm.Name, "vnc_port", vm.VNCPort)
			return nil
		})
	}
	_ = g.Wait()
}

// probe checks every worker concurrently and returns one error slot per agent.
func (s *Scheduler) probe(ctx context.Context) []error {
	results := make([]error, len(s.Agents))
	var g errgroup.Group
	for i, agent := range s.Agents {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, s.Config.ProbeTimeout)
			defer cancel()
			if err := agent.IsReachable(probeCtx); err != nil {
				s.logger().Warn("worker unreachable", "worker", agent.Name(), "address", agent.Address(), "error", err)
				results[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Workers probes every configured worker and reports its reachability.
func (s *Scheduler) Workers(ctx context.Context) []models.Worker {
	probes := s.probe(ctx)
	workers := make([]models.Worker, len(s.Agents))
	for i, agent := range s.Agents {
		workers[i] = models.Worker{
			Name:      agent.Name(),
			Address:   agent.Address(),
			Reachable: probes[i] == nil,
		}
	}
	return workers
}
