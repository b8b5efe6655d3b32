package gc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/gateway"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
)

type fakeHost struct {
	namespaces map[string]bool
	links      map[string]bool
	// busy namespaces fail deletion until their members are killed.
	busy       map[string]bool
	stuck      map[string]bool
	deleted    []string
}

func (h *fakeHost) ListNamespaces() ([]string, error) { return keys(h.namespaces), nil }
func (h *fakeHost) ListLinks() ([]string, error)      { return keys(h.links), nil }

func (h *fakeHost) DeleteNamespace(name string) error {
	if h.stuck[name] {
		return errors.New("device or resource busy")
	}
	if h.busy[name] {
		return errors.New("device or resource busy")
	}
	delete(h.namespaces, name)
	h.deleted = append(h.deleted, name)
	return nil
}

func (h *fakeHost) DeleteLink(name string) error {
	delete(h.links, name)
	return nil
}

type fakeSwitch struct {
	ports   map[string]map[string]bool
	scanned [][]string
}

func (s *fakeSwitch) PortsWithPrefix(_ context.Context, prefix string, bridges ...string) (map[string]string, error) {
	s.scanned = append(s.scanned, bridges)
	if len(bridges) == 0 {
		bridges = keys2(s.ports)
	}
	found := make(map[string]string)
	for _, bridge := range bridges {
		for port := range s.ports[bridge] {
			if strings.HasPrefix(port, prefix) {
				found[port] = bridge
			}
		}
	}
	return found, nil
}

func (s *fakeSwitch) DeletePort(_ context.Context, bridge, port string) error {
	delete(s.ports[bridge], port)
	return nil
}

type fakeTerminator struct {
	alive      map[int]bool
	terminated []int
}

func (f *fakeTerminator) Terminate(_ context.Context, pid int) (dhcp.Termination, error) {
	f.terminated = append(f.terminated, pid)
	if !f.alive[pid] {
		return dhcp.AlreadyGone, nil
	}
	delete(f.alive, pid)
	return dhcp.Exited, nil
}

type fakeRules struct {
	rules []gateway.Rule
}

func (r *fakeRules) TaggedRules(_ context.Context, prefix string) ([]gateway.Rule, error) {
	var out []gateway.Rule
	for _, rule := range r.rules {
		if strings.Contains(strings.Join(rule.Spec, " "), "--comment "+prefix) {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *fakeRules) RemoveTagged(ctx context.Context, prefix string) (int, error) {
	matched, _ := r.TaggedRules(ctx, prefix)
	var kept []gateway.Rule
	for _, rule := range r.rules {
		if !strings.Contains(strings.Join(rule.Spec, " "), "--comment "+prefix) {
			kept = append(kept, rule)
		}
	}
	r.rules = kept
	return len(matched), nil
}

type fixture struct {
	collector *Collector
	host      *fakeHost
	sw        *fakeSwitch
	dhcp      *fakeTerminator
	rules     *fakeRules
	paths     naming.Paths
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	paths := naming.Paths{RunDir: filepath.Join(root, "run"), LeaseDir: filepath.Join(root, "lib")}
	for _, dir := range []string{paths.RunDir, paths.LeaseDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	f := &fixture{
		host: &fakeHost{
			namespaces: set("id7-ns100", "id7-ns101", "id8-ns100"),
			links:      set("id7-gw100", "id7-vovs100", "eth0", "id8-gw100"),
			busy:       map[string]bool{},
			stuck:      map[string]bool{},
		},
		sw: &fakeSwitch{ports: map[string]map[string]bool{
			"br-cloud": set("id7-vovs100", "id7-gw100", "id8-vovs100", "uplink"),
			"br-lab":   set("id7-vovs101"),
		}},
		dhcp: &fakeTerminator{alive: map[int]bool{4100: true, 4101: true}},
		rules: &fakeRules{rules: []gateway.Rule{
			{Table: "nat", Chain: "POSTROUTING", Spec: []string{"-s", "10.1.100.0/24", "-m", "comment", "--comment", "id7-gw100", "-j", "MASQUERADE"}},
			{Table: "nat", Chain: "POSTROUTING", Spec: []string{"-s", "10.1.100.0/24", "-m", "comment", "--comment", "id8-gw100", "-j", "MASQUERADE"}},
		}},
		paths: paths,
	}
	f.collector = &Collector{Host: f.host, Switch: f.sw, DHCP: f.dhcp, Rules: f.rules, Paths: paths}

	writeFile(t, paths.PidFile("7", 100), "4100\n")
	writeFile(t, paths.PidFile("7", 101), "4101\n")
	writeFile(t, paths.LeaseFile("7", 100), "")
	writeFile(t, paths.PidFile("8", 100), "4200\n")

	prevAlive, prevProc, prevPids, prevKill := processAlive, procDir, namespacePids, killProcess
	processAlive = func(pid int) bool { return f.dhcp.alive[pid] }
	procDir = filepath.Join(root, "proc")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		t.Fatalf("mkdir proc: %v", err)
	}
	namespacePids = func(context.Context, string) ([]int, error) { return nil, nil }
	killProcess = func(int) error { return nil }
	t.Cleanup(func() {
		processAlive, procDir, namespacePids, killProcess = prevAlive, prevProc, prevPids, prevKill
	})
	writeCmdline(t, 4100, "dnsmasq", "--pid-file="+paths.PidFile("7", 100))
	writeCmdline(t, 4101, "dnsmasq", "--pid-file="+paths.PidFile("7", 101))
	return f
}

func writeCmdline(t *testing.T, pid int, args ...string) {
	t.Helper()
	entry := filepath.Join(procDir, strconv.Itoa(pid))
	if err := os.MkdirAll(entry, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(entry, "cmdline"), strings.Join(args, "\x00")+"\x00")
}

func TestTeardownRemovesEverythingOfID(t *testing.T) {
	f := newFixture(t)

	report, err := f.collector.Teardown(context.Background(), Target{ID: "7"})
	if err != nil {
		t.Fatalf("Teardown returned error: %v", err)
	}
	if !report.Clean() || report.Err() != nil {
		t.Fatalf("expected clean teardown, remaining %+v", report.Remaining)
	}
	if len(report.Steps) != 6 {
		t.Fatalf("expected 6 steps, got %d", len(report.Steps))
	}
	wantOrder := []Step{StepProcesses, StepFiles, StepNamespaces, StepPorts, StepLinks, StepVerify}
	for i, step := range report.Steps {
		if step.Step != wantOrder[i] {
			t.Fatalf("step %d: expected %s, got %s", i, wantOrder[i], step.Step)
		}
	}

	if len(f.dhcp.terminated) != 2 {
		t.Fatalf("expected 2 terminated servers, got %v", f.dhcp.terminated)
	}
	if _, err := os.Stat(f.paths.PidFile("7", 100)); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed")
	}
	if _, err := os.Stat(f.paths.PidFile("8", 100)); err != nil {
		t.Fatalf("other identifier's pid file should stay: %v", err)
	}
	if !f.host.namespaces["id8-ns100"] || !f.host.links["id8-gw100"] || !f.sw.ports["br-cloud"]["id8-vovs100"] {
		t.Fatalf("resources of other identifiers must survive")
	}
	if !f.host.links["eth0"] || !f.sw.ports["br-cloud"]["uplink"] {
		t.Fatalf("unrelated resources must survive")
	}
	if len(f.sw.ports["br-lab"]) != 0 {
		t.Fatalf("expected ports on every bridge removed without a switch name")
	}
	if len(f.rules.rules) != 1 {
		t.Fatalf("expected only the other identifier's rule to remain, got %d", len(f.rules.rules))
	}
}

func TestTeardownIsRerunnable(t *testing.T) {
	f := newFixture(t)
	if _, err := f.collector.Teardown(context.Background(), Target{ID: "7"}); err != nil {
		t.Fatalf("first teardown: %v", err)
	}

	report, err := f.collector.Teardown(context.Background(), Target{ID: "7"})
	if err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	if report.Removed() != 0 {
		t.Fatalf("second run should remove nothing, removed %d", report.Removed())
	}
	if !report.Clean() {
		t.Fatalf("second run should report nothing remaining")
	}
}

func TestTeardownScopedToSwitch(t *testing.T) {
	f := newFixture(t)

	report, err := f.collector.Teardown(context.Background(), Target{ID: "7", Switch: "br-cloud"})
	if err != nil {
		t.Fatalf("Teardown returned error: %v", err)
	}
	if !f.sw.ports["br-lab"]["id7-vovs101"] {
		t.Fatalf("ports on other bridges should not be touched")
	}
	if !report.Clean() {
		t.Fatalf("verification is scoped to the given switch, remaining %+v", report.Remaining)
	}
	for _, scan := range f.sw.scanned {
		if len(scan) != 1 || scan[0] != "br-cloud" {
			t.Fatalf("expected scans limited to br-cloud, got %v", scan)
		}
	}
}

func TestTeardownKillsNamespaceMembersAndRetries(t *testing.T) {
	f := newFixture(t)
	f.host.busy["id7-ns100"] = true
	var killed []int
	namespacePids = func(_ context.Context, ns string) ([]int, error) {
		if ns == "id7-ns100" {
			return []int{900, 901}, nil
		}
		return nil, nil
	}
	killProcess = func(pid int) error {
		killed = append(killed, pid)
		f.host.busy["id7-ns100"] = false
		return nil
	}

	report, err := f.collector.Teardown(context.Background(), Target{ID: "7"})
	if err != nil {
		t.Fatalf("Teardown returned error: %v", err)
	}
	if len(killed) != 2 {
		t.Fatalf("expected namespace members killed, got %v", killed)
	}
	if !report.Clean() {
		t.Fatalf("expected retry to succeed, remaining %+v", report.Remaining)
	}
}

func TestTeardownReportsPartialTeardown(t *testing.T) {
	f := newFixture(t)
	f.host.stuck["id7-ns101"] = true

	report, err := f.collector.Teardown(context.Background(), Target{ID: "7"})
	if err != nil {
		t.Fatalf("partial teardown must not be fatal, got %v", err)
	}
	if report.Clean() {
		t.Fatalf("expected remaining namespace")
	}
	if len(report.Remaining.Namespaces) != 1 || report.Remaining.Namespaces[0] != "id7-ns101" {
		t.Fatalf("unexpected remaining namespaces %v", report.Remaining.Namespaces)
	}
	if !errors.Is(report.Err(), models.ErrPartialTeardown) || len(report.Warnings) == 0 {
		t.Fatalf("expected partial teardown warning, got %v / %v", report.Err(), report.Warnings)
	}
	if len(f.sw.ports["br-cloud"]) != 2 {
		t.Fatalf("later steps should still run after a namespace failure")
	}
}

func TestTeardownFindsOrphanedServersByCommandLine(t *testing.T) {
	f := newFixture(t)
	f.dhcp.alive[4300] = true
	procEntry := filepath.Join(procDir, "4300")
	if err := os.MkdirAll(procEntry, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cmdline := strings.Join([]string{"dnsmasq", "--pid-file=" + f.paths.PidFile("7", 102)}, "\x00")
	writeFile(t, filepath.Join(procEntry, "cmdline"), cmdline)

	if _, err := f.collector.Teardown(context.Background(), Target{ID: "7"}); err != nil {
		t.Fatalf("Teardown returned error: %v", err)
	}
	found := false
	for _, pid := range f.dhcp.terminated {
		if pid == 4300 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected orphaned server 4300 terminated, got %v", f.dhcp.terminated)
	}
}

func TestTeardownSkipsReusedPidFromStalePidFile(t *testing.T) {
	f := newFixture(t)
	// the server of VLAN 101 died and its pid now belongs to an unrelated process
	writeCmdline(t, 4101, "/usr/sbin/sshd", "-D")

	report, err := f.collector.Teardown(context.Background(), Target{ID: "7"})
	if err != nil {
		t.Fatalf("Teardown returned error: %v", err)
	}
	for _, pid := range f.dhcp.terminated {
		if pid == 4101 {
			t.Fatalf("pid 4101 does not belong to a DHCP server and must not be signalled")
		}
	}
	if len(f.dhcp.terminated) != 1 || f.dhcp.terminated[0] != 4100 {
		t.Fatalf("expected only 4100 terminated, got %v", f.dhcp.terminated)
	}
	skipped := report.Steps[0].Skipped
	if len(skipped) != 1 || skipped[0] != "pid 4101 (stale pid file)" {
		t.Fatalf("expected stale pid skipped, got %v", skipped)
	}
	if _, err := os.Stat(f.paths.PidFile("7", 101)); !os.IsNotExist(err) {
		t.Fatalf("stale pid file should be removed")
	}
	if len(report.Remaining.Processes) != 0 {
		t.Fatalf("unrelated process must not count as remaining: %v", report.Remaining.Processes)
	}
}

func TestTeardownRejectsInvalidID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.collector.Teardown(context.Background(), Target{ID: "../7"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStatusListsResources(t *testing.T) {
	f := newFixture(t)

	inv, err := f.collector.Status(context.Background(), "7", "")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if len(inv.Namespaces) != 2 || len(inv.Ports) != 3 || len(inv.Links) != 2 {
		t.Fatalf("unexpected inventory %+v", inv)
	}
	if len(inv.Processes) != 2 || !inv.Processes[0].Alive {
		t.Fatalf("unexpected processes %+v", inv.Processes)
	}
	if len(inv.LeaseFiles) != 1 || len(inv.Rules) != 1 {
		t.Fatalf("unexpected lease files %v or rules %v", inv.LeaseFiles, inv.Rules)
	}
	if inv.Empty() {
		t.Fatalf("inventory should not be empty")
	}

	if _, err := f.collector.Teardown(context.Background(), Target{ID: "7"}); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	after, err := f.collector.Status(context.Background(), "7", "")
	if err != nil {
		t.Fatalf("Status after teardown: %v", err)
	}
	if !after.Empty() {
		t.Fatalf("expected empty inventory after teardown, got %+v", after)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func keys2(m map[string]map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
