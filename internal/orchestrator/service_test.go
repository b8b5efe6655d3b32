package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/gateway"
	"github.com/cochaviz/slicenet/internal/gc"
	"github.com/cochaviz/slicenet/internal/inventory"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
	"github.com/cochaviz/slicenet/internal/netprov"
	"github.com/cochaviz/slicenet/internal/placement"
	"github.com/cochaviz/slicenet/internal/testutil"
	"github.com/cochaviz/slicenet/internal/topology"
)

type fakeNetwork struct {
	mu       sync.Mutex
	fail     map[int]error
	active   map[string]bool
	released []int
}

func (n *fakeNetwork) Provision(_ context.Context, req netprov.Request) (models.VLANSegment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	vlan := req.Allocation.VLAN
	if err := n.fail[vlan]; err != nil {
		return models.VLANSegment{}, err
	}
	ns := naming.Namespace(req.SliceID, vlan)
	if n.active == nil {
		n.active = make(map[string]bool)
	}
	n.active[ns] = true
	alloc := req.Allocation
	return models.VLANSegment{
		SliceID:     req.SliceID,
		VLAN:        vlan,
		Subnet:      alloc.Subnet.String(),
		Gateway:     alloc.Gateway.String(),
		DHCPStart:   alloc.DHCPStart.String(),
		DHCPEnd:     alloc.DHCPEnd.String(),
		ServerIP:    alloc.ServerIP.String(),
		Namespace:   ns,
		Switch:      req.Switch,
		SwitchPorts: []string{naming.SwitchVeth(req.SliceID, vlan), naming.GatewayPort(req.SliceID, vlan)},
		State:       models.StateUp,
	}, nil
}

func (n *fakeNetwork) Release(_ context.Context, req netprov.Request) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.active, naming.Namespace(req.SliceID, req.Allocation.VLAN))
	n.released = append(n.released, req.Allocation.VLAN)
	return nil
}

func (n *fakeNetwork) namespaces() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var names []string
	for ns := range n.active {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

type fakeDHCP struct {
	mu      sync.Mutex
	fail    map[int]error
	started []dhcp.Spec
}

func (d *fakeDHCP) Start(_ context.Context, spec dhcp.Spec) (dhcp.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[spec.VLAN]; err != nil {
		return dhcp.Handle{}, err
	}
	d.started = append(d.started, spec)
	return dhcp.Handle{
		SliceID:   spec.SliceID,
		VLAN:      spec.VLAN,
		Pid:       1000 + spec.VLAN,
		PidFile:   naming.DefaultPaths.PidFile(spec.SliceID, spec.VLAN),
		LeaseFile: naming.DefaultPaths.LeaseFile(spec.SliceID, spec.VLAN),
	}, nil
}

func (d *fakeDHCP) Stop(context.Context, dhcp.Handle) error { return nil }

type fakeGateway struct {
	mu      sync.Mutex
	rules   map[string]bool
	targets []gateway.Target
}

func (g *fakeGateway) toggle(t gateway.Target, enable bool) []gateway.RuleResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rules == nil {
		g.rules = make(map[string]bool)
	}
	g.targets = append(g.targets, t)
	var results []gateway.RuleResult
	for _, rule := range gateway.Rules(t, "eth0") {
		key := rule.String()
		switch {
		case enable && g.rules[key]:
			results = append(results, gateway.RuleResult{Rule: key, Action: gateway.RulePresent})
		case enable:
			g.rules[key] = true
			results = append(results, gateway.RuleResult{Rule: key, Action: gateway.RuleAdded})
		case g.rules[key]:
			delete(g.rules, key)
			results = append(results, gateway.RuleResult{Rule: key, Action: gateway.RuleRemoved})
		default:
			results = append(results, gateway.RuleResult{Rule: key, Action: gateway.RuleAbsent})
		}
	}
	return results
}

func (g *fakeGateway) Enable(_ context.Context, t gateway.Target) ([]gateway.RuleResult, error) {
	return g.toggle(t, true), nil
}

func (g *fakeGateway) Disable(_ context.Context, t gateway.Target) ([]gateway.RuleResult, error) {
	return g.toggle(t, false), nil
}

type fakeAgent struct {
	name string
	down error

	mu      sync.Mutex
	created []placement.CreateRequest
}

func (a *fakeAgent) Name() string                      { return a.name }
func (a *fakeAgent) Address() string                   { return a.name + ".lab" }
func (a *fakeAgent) IsReachable(context.Context) error { return a.down }

func (a *fakeAgent) CreateVM(_ context.Context, req placement.CreateRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, req)
	return nil
}

func (a *fakeAgent) ListUsedPorts(context.Context) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var ports []int
	for _, req := range a.created {
		ports = append(ports, req.Port)
	}
	return ports, nil
}

type fakeCollector struct {
	network  *fakeNetwork
	leftover []string
	targets  []gc.Target
}

func (c *fakeCollector) Teardown(_ context.Context, target gc.Target) (gc.Report, error) {
	c.targets = append(c.targets, target)
	report := gc.Report{ID: target.ID, Switch: target.Switch}
	namespaces := gc.StepResult{Step: gc.StepNamespaces}
	for _, ns := range c.network.namespaces() {
		if naming.Matches(target.ID, ns) {
			namespaces.Removed = append(namespaces.Removed, ns)
			c.network.mu.Lock()
			delete(c.network.active, ns)
			c.network.mu.Unlock()
		}
	}
	report.Steps = append(report.Steps, gc.StepResult{Step: gc.StepProcesses}, namespaces)
	report.Remaining.Namespaces = c.leftover
	report.Steps = append(report.Steps, gc.StepResult{Step: gc.StepVerify})
	if len(c.leftover) > 0 {
		report.Warnings = []string{fmt.Sprintf("partial teardown: %d resources remain", len(c.leftover))}
	}
	return report, nil
}

func (c *fakeCollector) Status(_ context.Context, id, _ string) (gc.Inventory, error) {
	inv := gc.Inventory{ID: id}
	for _, ns := range c.network.namespaces() {
		if naming.Matches(id, ns) {
			inv.Namespaces = append(inv.Namespaces, ns)
		}
	}
	return inv, nil
}

type harness struct {
	service   *Service
	network   *fakeNetwork
	dhcp      *fakeDHCP
	gateway   *fakeGateway
	agents    []*fakeAgent
	collector *fakeCollector
	store     *inventory.Store
	topology  *topology.Store
	preflight [][]string
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	store, err := inventory.Open(context.Background(), testutil.NewTestDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	alloc, err := allocator.New(allocator.DefaultConfig)
	require.NoError(t, err)

	h := &harness{
		network:  &fakeNetwork{},
		dhcp:     &fakeDHCP{},
		gateway:  &fakeGateway{},
		store:    store,
		topology: topology.NewStore(filepath.Join(t.TempDir(), "topology")),
	}
	h.collector = &fakeCollector{network: h.network}

	var agents []placement.WorkerAgent
	for i := 1; i <= workers; i++ {
		agent := &fakeAgent{name: fmt.Sprintf("worker%d", i)}
		h.agents = append(h.agents, agent)
		agents = append(agents, agent)
	}

	h.service = &Service{
		Allocator: alloc,
		Network:   h.network,
		DHCP:      h.dhcp,
		Gateway:   h.gateway,
		Placement: placement.NewScheduler(agents, placement.DefaultConfig(), nil),
		Collector: h.collector,
		Inventory: store,
		Topology:  h.topology,
		Preflight: func(commands ...string) error {
			h.preflight = append(h.preflight, commands)
			return nil
		},
		DefaultSwitch: "br-cloud",
	}
	return h
}

func mustRange(t *testing.T, value string) allocator.VLANRange {
	t.Helper()
	r, err := allocator.ParseVLANRange(value)
	require.NoError(t, err)
	return r
}

func TestCreateNetworkSingleVLAN(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	report, err := h.service.CreateNetwork(ctx, NetworkRequest{VLAN: 100, Switch: "br-cloud", RangeSize: 5})
	require.NoError(t, err)
	assert.Equal(t, "100", report.ID)
	assert.Equal(t, models.Summary{Total: 1, Succeeded: 1}, report.Summary)
	assert.Equal(t, [][]string{networkCommands}, h.preflight)

	seg, err := h.store.GetSegment(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "10.1.100.0/24", seg.Subnet)
	assert.Equal(t, "10.1.100.1", seg.DHCPStart)
	assert.Equal(t, "10.1.100.5", seg.DHCPEnd)
	assert.Equal(t, "10.1.100.6", seg.Gateway)
	assert.Equal(t, "id100-ns100", seg.Namespace)
	assert.Equal(t, 1100, seg.DHCPPid)
	assert.Equal(t, models.StateUp, seg.State)

	require.Len(t, h.dhcp.started, 1)
	assert.Equal(t, "id100-vns100", h.dhcp.started[0].Interface)
	assert.Equal(t, "255.255.255.0", h.dhcp.started[0].Netmask)

	doc, err := h.topology.Get("100")
	require.NoError(t, err)
	require.Len(t, doc.Slice.Segments, 1)

	ops, err := h.store.ListOperations(ctx, "100", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationSucceeded, ops[0].Status)
}

func TestCreateNetworkTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	_, err := h.service.CreateNetwork(ctx, NetworkRequest{VLAN: 100, Switch: "br-cloud", RangeSize: 5})
	require.NoError(t, err)

	report, err := h.service.CreateNetwork(ctx, NetworkRequest{VLAN: 100, Switch: "br-cloud", RangeSize: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrResourceConflict)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Summary.Failed)
	assert.Len(t, h.dhcp.started, 1)

	// The existing segment is untouched by the rejected request.
	seg, err := h.store.GetSegment(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1100, seg.DHCPPid)
}

func TestCreateNetworkPreflightFailureStopsEarly(t *testing.T) {
	h := newHarness(t, 1)
	h.service.Preflight = func(...string) error {
		return models.Errorf(models.ErrPrivilege, "preflight", "", "must run as root")
	}

	_, err := h.service.CreateNetwork(context.Background(), NetworkRequest{VLAN: 100, Switch: "br-cloud", RangeSize: 5})
	assert.ErrorIs(t, err, models.ErrPrivilege)
	assert.Empty(t, h.network.namespaces())
}

func TestCreateNetworkValidation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	cases := []NetworkRequest{
		{VLAN: 0, Switch: "br-cloud", RangeSize: 5},
		{VLAN: 100, Switch: "", RangeSize: 5},
		{VLAN: 100, Switch: "br-cloud", RangeSize: 0},
		{VLAN: 100, Switch: "br-cloud", RangeSize: 253},
		{SliceID: "abc", VLAN: 100, Switch: "br-cloud", RangeSize: 5},
	}
	for _, tc := range cases {
		_, err := h.service.CreateNetwork(ctx, tc)
		assert.ErrorIs(t, err, models.ErrValidation, "request %+v", tc)
	}
	assert.Empty(t, h.network.namespaces())
}

func TestCreateNetworkRangeIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.network.fail = map[int]error{
		102: models.Errorf(models.ErrResourceConflict, "provision", "vlan 102", "namespace id7-ns102 already exists"),
	}

	report, err := h.service.CreateNetworkRange(ctx, RangeRequest{
		SliceID: "7",
		VLANs:   mustRange(t, "101;103"),
		Switch:  "br-cloud",
		Gateway: "10.1.101.254",
	})
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Total: 3, Succeeded: 2, Failed: 1}, report.Summary)
	assert.Equal(t, "vlan 102", report.Results[1].Unit)
	assert.Equal(t, models.ErrResourceConflict.Error(), report.Results[1].Kind)

	segments, err := h.store.ListSegments(ctx, "7")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 101, segments[0].VLAN)
	assert.Equal(t, "10.1.101.254", segments[0].Gateway)
	assert.Equal(t, 103, segments[1].VLAN)
	assert.Equal(t, "10.1.103.1", segments[1].Gateway)

	_, err = h.store.GetSegment(ctx, 102)
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	ops, err := h.store.ListOperations(ctx, "7", 1)
	require.NoError(t, err)
	assert.Equal(t, models.OperationPartial, ops[0].Status)
}

func TestCreateNetworkRangeRejectsReversedRange(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.service.CreateNetworkRange(context.Background(), RangeRequest{
		SliceID: "7",
		VLANs:   allocator.VLANRange{Start: 110, End: 100},
		Switch:  "br-cloud",
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestDHCPFailureReleasesSegment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.dhcp.fail = map[int]error{100: errors.New("dnsmasq exited")}

	report, err := h.service.CreateNetwork(ctx, NetworkRequest{VLAN: 100, Switch: "br-cloud", RangeSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Failed)
	assert.Contains(t, report.Results[0].Reason, "dnsmasq exited")
	assert.Equal(t, []int{100}, h.network.released)
	assert.Empty(t, h.network.namespaces())

	_, err = h.store.GetSegment(ctx, 100)
	assert.ErrorIs(t, err, inventory.ErrNotFound)

	// The VLAN can be provisioned again once DHCP works.
	h.dhcp.fail = nil
	report, err = h.service.CreateNetwork(ctx, NetworkRequest{VLAN: 100, Switch: "br-cloud", RangeSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Succeeded)
}

func TestSliceLockRejectsConcurrentOperation(t *testing.T) {
	h := newHarness(t, 1)
	require.True(t, h.service.slices.tryLock("7"))
	defer h.service.slices.unlock("7")

	_, err := h.service.Teardown(context.Background(), "7", "")
	assert.ErrorIs(t, err, models.ErrResourceConflict)
}

func TestInternetToggleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	_, err := h.service.CreateNetworkRange(ctx, RangeRequest{SliceID: "7", VLANs: mustRange(t, "101;102"), Switch: "br-cloud"})
	require.NoError(t, err)

	req := InternetRequest{SliceID: "7", VLANs: mustRange(t, "101;102")}
	report, err := h.service.EnableInternet(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Total: 2, Succeeded: 2}, report.Summary)
	assert.Len(t, h.gateway.rules, 6)
	assert.Equal(t, "id7-gw101", h.gateway.targets[0].GatewayInterface)
	assert.Equal(t, "10.1.101.0/24", h.gateway.targets[0].Subnet)

	seg, err := h.store.GetSegment(ctx, 101)
	require.NoError(t, err)
	assert.True(t, seg.InternetEnabled)

	report, err = h.service.EnableInternet(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Total: 2, Skipped: 2}, report.Summary)
	assert.Len(t, h.gateway.rules, 6)

	report, err = h.service.DisableInternet(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Total: 2, Succeeded: 2}, report.Summary)
	assert.Empty(t, h.gateway.rules)

	seg, err = h.store.GetSegment(ctx, 101)
	require.NoError(t, err)
	assert.False(t, seg.InternetEnabled)

	report, err = h.service.DisableInternet(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Total: 2, Skipped: 2}, report.Summary)
}

func TestInternetWithoutInventoryDerivesSubnet(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.service.EnableInternet(context.Background(), InternetRequest{SliceID: "9", VLANs: allocator.Single(300)})
	require.NoError(t, err)
	require.Len(t, h.gateway.targets, 1)
	assert.Equal(t, "10.2.45.0/24", h.gateway.targets[0].Subnet)
	assert.Equal(t, [][]string{internetCommands}, h.preflight)
}

func TestPlaceVMsAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	_, err := h.service.CreateNetwork(ctx, NetworkRequest{VLAN: 100, Switch: "br-lab", RangeSize: 5})
	require.NoError(t, err)

	report, vms, err := h.service.PlaceVMs(ctx, PlaceRequest{VLAN: 100, Count: 4, Image: "ubuntu-22.04"})
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Total: 4, Succeeded: 4}, report.Summary)
	require.Len(t, vms, 4)

	assert.Len(t, h.agents[0].created, 2)
	assert.Len(t, h.agents[1].created, 1)
	assert.Len(t, h.agents[2].created, 1)
	// The switch recorded for the VLAN wins over the default.
	assert.Equal(t, "br-lab", h.agents[0].created[0].Switch)
	ports, err := h.agents[0].ListUsedPorts(ctx)
	require.NoError(t, err)
	sort.Ints(ports)
	assert.Equal(t, []int{5901, 5902}, ports)

	stored, err := h.store.ListVMs(ctx, "100")
	require.NoError(t, err)
	assert.Len(t, stored, 4)

	_, vms, err = h.service.PlaceVMs(ctx, PlaceRequest{VLAN: 100, Count: 1, Image: "ubuntu-22.04"})
	require.NoError(t, err)
	assert.Equal(t, "100-VM5", vms[0].Name)
	assert.Equal(t, 5903, vms[0].VNCPort)
}

func TestPlaceVMsReportsUnreachableWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	h.agents[1].down = errors.New("connection refused")

	report, vms, err := h.service.PlaceVMs(ctx, PlaceRequest{SliceID: "5", VLAN: 100, Count: 4, Image: "cirros"})
	require.NoError(t, err)
	assert.Equal(t, models.Summary{Total: 4, Succeeded: 2, Failed: 2}, report.Summary)
	assert.Equal(t, models.VMFailed, vms[1].Status)
	assert.Contains(t, report.Results[1].Reason, "worker2")
	assert.Equal(t, "br-cloud", h.agents[0].created[0].Switch)

	ops, err := h.store.ListOperations(ctx, "5", 1)
	require.NoError(t, err)
	assert.Equal(t, models.OperationPartial, ops[0].Status)
}

func TestPlaceVMsValidation(t *testing.T) {
	h := newHarness(t, 1)
	_, _, err := h.service.PlaceVMs(context.Background(), PlaceRequest{VLAN: 100, Count: 0, Image: "cirros"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTeardownCleanRemovesRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	_, err := h.service.CreateNetworkRange(ctx, RangeRequest{SliceID: "7", VLANs: mustRange(t, "101;102"), Switch: "br-lab"})
	require.NoError(t, err)

	result, err := h.service.Teardown(ctx, "7", "")
	require.NoError(t, err)
	assert.Equal(t, "br-lab", h.collector.targets[0].Switch)
	assert.True(t, result.Detail.Clean())
	assert.Zero(t, result.Report.Summary.Failed)
	assert.Empty(t, h.network.namespaces())

	_, err = h.store.GetSlice(ctx, "7")
	assert.ErrorIs(t, err, inventory.ErrNotFound)
	_, err = h.topology.Get("7")
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// Without a record the collector scans every switch.
	_, err = h.service.Teardown(ctx, "7", "")
	require.NoError(t, err)
	assert.Equal(t, "", h.collector.targets[1].Switch)
}

func TestTeardownPartialKeepsRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	_, err := h.service.CreateNetwork(ctx, NetworkRequest{SliceID: "8", VLAN: 100, Switch: "br-cloud", RangeSize: 5})
	require.NoError(t, err)
	h.collector.leftover = []string{"id8-ns100"}

	result, err := h.service.Teardown(ctx, "8", "br-cloud")
	require.NoError(t, err)
	assert.False(t, result.Detail.Clean())
	assert.Equal(t, 1, result.Report.Summary.Failed)
	assert.NotEmpty(t, result.Report.Warnings)

	last := result.Report.Results[len(result.Report.Results)-1]
	assert.Equal(t, string(gc.StepVerify), last.Unit)
	assert.Equal(t, models.ErrPartialTeardown.Error(), last.Kind)

	_, err = h.store.GetSlice(ctx, "8")
	assert.NoError(t, err)
}

func TestStatusCombinesRecordAndHost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	_, err := h.service.CreateNetwork(ctx, NetworkRequest{SliceID: "8", VLAN: 100, Switch: "br-cloud", RangeSize: 5})
	require.NoError(t, err)

	status, err := h.service.Status(ctx, "8", "")
	require.NoError(t, err)
	require.NotNil(t, status.Slice)
	assert.Len(t, status.Slice.Segments, 1)
	assert.Equal(t, []string{"id8-ns100"}, status.Live.Namespaces)

	status, err = h.service.Status(ctx, "9", "")
	require.NoError(t, err)
	assert.Nil(t, status.Slice)
	assert.Empty(t, status.Live.Namespaces)
}

func TestDeployRunsWholeFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)

	result, err := h.service.Deploy(ctx, DeployRequest{
		SliceID:  "12",
		VLANs:    mustRange(t, "200;201"),
		Switch:   "br-cloud",
		Gateway:  "10.1.200.254",
		Count:    3,
		Image:    "cirros",
		Internet: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Network.Summary.Succeeded)
	assert.Equal(t, 2, result.Internet.Summary.Succeeded)
	assert.Equal(t, 3, result.Placement.Summary.Succeeded)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, models.Summary{Total: 7, Succeeded: 7}, result.Summary())

	require.Len(t, result.VMs, 3)
	assert.Equal(t, 200, result.VMs[0].VLAN)
	assert.Equal(t, 200, result.VMs[1].VLAN)
	assert.Equal(t, 201, result.VMs[2].VLAN)
	assert.Equal(t, "12-VM3", result.VMs[2].Name)

	doc, err := h.topology.Get("12")
	require.NoError(t, err)
	assert.Len(t, doc.Slice.VMs, 3)
	assert.Len(t, doc.Slice.Segments, 2)
}

func TestDeployBalancesWorkersAcrossVLANs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	result, err := h.service.Deploy(ctx, DeployRequest{
		SliceID: "14",
		VLANs:   mustRange(t, "300;301"),
		Switch:  "br-cloud",
		Count:   4,
		Image:   "cirros",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Placement.Summary.Succeeded)

	workers := make([]string, 0, len(result.VMs))
	for _, vm := range result.VMs {
		workers = append(workers, vm.Worker)
	}
	assert.Equal(t, []string{"worker1", "worker2", "worker3", "worker1"}, workers)
	assert.Len(t, h.agents[0].created, 2)
	assert.Len(t, h.agents[1].created, 1)
	assert.Len(t, h.agents[2].created, 1)
}

func TestDeployFailsWhenNoVLANProvisions(t *testing.T) {
	h := newHarness(t, 1)
	h.network.fail = map[int]error{200: errors.New("boom")}

	result, err := h.service.Deploy(context.Background(), DeployRequest{
		SliceID: "12", VLANs: allocator.Single(200), Switch: "br-cloud", Count: 1, Image: "cirros",
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Nil(t, result.Placement)
	assert.Empty(t, h.agents[0].created)
}

func TestShareOf(t *testing.T) {
	assert.Equal(t, []int{2, 1}, []int{shareOf(3, 2, 0), shareOf(3, 2, 1)})
	assert.Equal(t, []int{1, 1, 0}, []int{shareOf(2, 3, 0), shareOf(2, 3, 1), shareOf(2, 3, 2)})
}
