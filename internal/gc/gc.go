// Package gc removes every resource of an identifier by name, without any
// record of how the resources were created.
//
// Teardown walks six ordered steps. Each step tolerates failures of
// individual resources and the final step verifies what survived, so a
// second run of the same teardown is always safe.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/gateway"
	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/naming"
)

// Host lists and removes namespaces and host links.
type Host interface {
	ListNamespaces() ([]string, error)
	DeleteNamespace(name string) error
	ListLinks() ([]string, error)
	DeleteLink(name string) error
}

// Switch lists and removes switch ports.
type Switch interface {
	PortsWithPrefix(ctx context.Context, prefix string, bridges ...string) (map[string]string, error)
	DeletePort(ctx context.Context, bridge, port string) error
}

// Terminator stops DHCP server processes.
type Terminator interface {
	Terminate(ctx context.Context, pid int) (dhcp.Termination, error)
}

// RuleStore finds and removes egress rules tagged with a name prefix.
type RuleStore interface {
	TaggedRules(ctx context.Context, prefix string) ([]gateway.Rule, error)
	RemoveTagged(ctx context.Context, prefix string) (int, error)
}

var (
	namespacePids = func(ctx context.Context, namespace string) ([]int, error) {
		output, err := runCommand(ctx, "ip", "netns", "pids", namespace)
		if err != nil {
			return nil, err
		}
		var pids []int
		for _, field := range strings.Fields(string(output)) {
			if pid, err := strconv.Atoi(field); err == nil {
				pids = append(pids, pid)
			}
		}
		return pids, nil
	}
	killProcess = func(pid int) error {
		return unix.Kill(pid, unix.SIGKILL)
	}
	processAlive = dhcp.Alive
	procDir      = "/proc"
)

// Step names the ordered teardown phases.
type Step string

const (
	StepProcesses  Step = "terminate-dhcp"
	StepFiles      Step = "remove-files"
	StepNamespaces Step = "delete-namespaces"
	StepPorts      Step = "remove-switch-ports"
	StepLinks      Step = "delete-links"
	StepVerify     Step = "verify"
)

// StepResult records what one step removed, skipped and failed on.
type StepResult struct {
	Step    Step     `json:"step"`
	Removed []string `json:"removed,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func (s *StepResult) remove(item string) { s.Removed = append(s.Removed, item) }
func (s *StepResult) skip(item string)   { s.Skipped = append(s.Skipped, item) }
func (s *StepResult) fail(item string, err error) {
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", item, err))
}

// Remaining is what verification still found after teardown.
type Remaining struct {
	Namespaces []string `json:"namespaces,omitempty"`
	Ports      []string `json:"ports,omitempty"`
	Processes  []string `json:"processes,omitempty"`
	Links      []string `json:"links,omitempty"`
}

// Count returns the number of surviving resources.
func (r Remaining) Count() int {
	return len(r.Namespaces) + len(r.Ports) + len(r.Processes) + len(r.Links)
}

// Target identifies what to tear down. An empty Switch scans every bridge.
type Target struct {
	ID     string
	Switch string
}

// Report is the outcome of a teardown. It never carries a fatal error;
// survivors are reported as warnings.
type Report struct {
	ID        string       `json:"id"`
	Switch    string       `json:"switch,omitempty"`
	Steps     []StepResult `json:"steps"`
	Remaining Remaining    `json:"remaining"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// Clean reports whether verification found nothing left.
func (r Report) Clean() bool {
	return r.Remaining.Count() == 0
}

// Err returns a PartialTeardown error when resources survived.
func (r Report) Err() error {
	if r.Clean() {
		return nil
	}
	return models.Errorf(models.ErrPartialTeardown, "teardown", r.ID, "%d resources remain", r.Remaining.Count())
}

// Removed counts the resources removed across all steps.
func (r Report) Removed() int {
	total := 0
	for _, step := range r.Steps {
		total += len(step.Removed)
	}
	return total
}

// Collector tears down identifiers.
type Collector struct {
	Host   Host
	Switch Switch
	DHCP   Terminator
	Rules  RuleStore
	Paths  naming.Paths
	Logger *slog.Logger
}

func (c *Collector) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

// Teardown removes all resources of target.ID. Only an invalid identifier
// returns an error.
func (c *Collector) Teardown(ctx context.Context, target Target) (Report, error) {
	if err := naming.ValidateID(target.ID); err != nil {
		return Report{}, err
	}
	prefix := naming.Prefix(target.ID)
	logger := c.logger().With("id", target.ID, "switch", target.Switch)
	report := Report{ID: target.ID, Switch: target.Switch}

	steps := []func(context.Context, string, Target) StepResult{
		c.terminateProcesses,
		c.removeFiles,
		c.deleteNamespaces,
		c.removePorts,
		c.deleteLinks,
	}
	for _, step := range steps {
		result := step(ctx, prefix, target)
		for _, msg := range result.Errors {
			logger.Warn("teardown step error", "step", result.Step, "error", msg)
		}
		logger.Info("teardown step finished", "step", result.Step, "removed", len(result.Removed), "errors", len(result.Errors))
		report.Steps = append(report.Steps, result)
	}

	verify := StepResult{Step: StepVerify}
	report.Remaining = c.verify(ctx, prefix, target, &verify)
	report.Steps = append(report.Steps, verify)

	if !report.Clean() {
		warning := fmt.Sprintf("partial teardown: %d resources remain", report.Remaining.Count())
		report.Warnings = append(report.Warnings, warning)
		logger.Warn(warning,
			"namespaces", report.Remaining.Namespaces,
			"ports", report.Remaining.Ports,
			"processes", report.Remaining.Processes,
			"links", report.Remaining.Links,
		)
	}
	return report, nil
}

func (c *Collector) terminateProcesses(ctx context.Context, prefix string, target Target) StepResult {
	result := StepResult{Step: StepProcesses}
	pids, stale, err := c.dhcpProcesses(target.ID)
	if err != nil {
		result.fail("discover dnsmasq", err)
	}
	for _, pid := range stale {
		result.skip(fmt.Sprintf("pid %d (stale pid file)", pid))
	}
	for _, pid := range pids {
		item := "pid " + strconv.Itoa(pid)
		outcome, err := c.DHCP.Terminate(ctx, pid)
		if err != nil {
			result.fail(item, err)
			continue
		}
		if outcome == dhcp.AlreadyGone {
			result.skip(item)
			continue
		}
		result.remove(fmt.Sprintf("%s (%s)", item, outcome))
	}
	return result
}

// dhcpProcesses finds DHCP servers of id from its pid files and from the
// command lines of running processes, which also catches servers whose pid
// file is already gone. A live pid named by a pid file whose command line is
// not that file's dnsmasq was reused by the kernel and is returned as stale.
func (c *Collector) dhcpProcesses(id string) (pids, stale []int, err error) {
	seen := make(map[int]struct{})
	var errs []error

	marker := "--pid-file=" + filepath.Join(c.Paths.RunDir, naming.Prefix(id))
	running, err := processesMatching(marker)
	if err != nil {
		errs = append(errs, err)
	}
	for _, pid := range running {
		seen[pid] = struct{}{}
	}

	files, err := filepath.Glob(c.Paths.PidGlob(id))
	if err != nil {
		errs = append(errs, err)
	}
	for _, file := range files {
		pid, err := dhcp.ReadPidFile(file)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		if processAlive(pid) && !servesPidFile(pid, file) {
			stale = append(stale, pid)
			continue
		}
		seen[pid] = struct{}{}
	}

	pids = make([]int, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	sort.Ints(stale)
	return pids, stale, errors.Join(errs...)
}

func (c *Collector) removeFiles(_ context.Context, _ string, target Target) StepResult {
	result := StepResult{Step: StepFiles}
	for _, pattern := range []string{c.Paths.PidGlob(target.ID), c.Paths.LeaseGlob(target.ID)} {
		files, err := filepath.Glob(pattern)
		if err != nil {
			result.fail(pattern, err)
			continue
		}
		for _, file := range files {
			if err := os.Remove(file); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					result.skip(file)
					continue
				}
				result.fail(file, err)
				continue
			}
			result.remove(file)
		}
	}
	return result
}

func (c *Collector) deleteNamespaces(ctx context.Context, prefix string, _ Target) StepResult {
	result := StepResult{Step: StepNamespaces}
	namespaces, err := c.namespaces(prefix)
	if err != nil {
		result.fail("list namespaces", err)
		return result
	}
	for _, ns := range namespaces {
		err := c.Host.DeleteNamespace(ns)
		if err == nil {
			result.remove(ns)
			continue
		}
		c.logger().Debug("namespace delete failed; killing members", "namespace", ns, "error", err)
		pids, err := namespacePids(ctx, ns)
		if err != nil {
			result.fail(ns, fmt.Errorf("list members: %w", err))
		}
		for _, pid := range pids {
			if err := killProcess(pid); err != nil && !errors.Is(err, unix.ESRCH) {
				result.fail(fmt.Sprintf("%s pid %d", ns, pid), err)
			}
		}
		if err := c.Host.DeleteNamespace(ns); err != nil {
			result.fail(ns, err)
			continue
		}
		result.remove(ns)
	}
	return result
}

func (c *Collector) removePorts(ctx context.Context, prefix string, target Target) StepResult {
	result := StepResult{Step: StepPorts}
	ports, err := c.ports(ctx, prefix, target.Switch)
	if err != nil {
		result.fail("list ports", err)
	}
	for _, port := range sortedKeys(ports) {
		bridge := ports[port]
		if err := c.Switch.DeletePort(ctx, bridge, port); err != nil {
			result.fail(bridge+"/"+port, err)
			continue
		}
		result.remove(bridge + "/" + port)
	}
	return result
}

// deleteLinks removes residual host links and the egress rules tagged with
// the identifier's prefix.
func (c *Collector) deleteLinks(ctx context.Context, prefix string, _ Target) StepResult {
	result := StepResult{Step: StepLinks}
	links, err := c.links(prefix)
	if err != nil {
		result.fail("list links", err)
	}
	for _, link := range links {
		if err := c.Host.DeleteLink(link); err != nil {
			result.fail(link, err)
			continue
		}
		result.remove(link)
	}

	if c.Rules != nil {
		removed, err := c.Rules.RemoveTagged(ctx, prefix)
		if err != nil {
			result.fail("egress rules", err)
		}
		for i := 0; i < removed; i++ {
			result.remove("egress rule")
		}
	}
	return result
}

func (c *Collector) verify(ctx context.Context, prefix string, target Target, step *StepResult) Remaining {
	var remaining Remaining
	var err error

	if remaining.Namespaces, err = c.namespaces(prefix); err != nil {
		step.fail("list namespaces", err)
	}
	ports, err := c.ports(ctx, prefix, target.Switch)
	if err != nil {
		step.fail("list ports", err)
	}
	for _, port := range sortedKeys(ports) {
		remaining.Ports = append(remaining.Ports, ports[port]+"/"+port)
	}
	if remaining.Links, err = c.links(prefix); err != nil {
		step.fail("list links", err)
	}
	pids, _, err := c.dhcpProcesses(target.ID)
	if err != nil {
		step.fail("discover dnsmasq", err)
	}
	for _, pid := range pids {
		if processAlive(pid) {
			remaining.Processes = append(remaining.Processes, strconv.Itoa(pid))
		}
	}
	return remaining
}

func (c *Collector) namespaces(prefix string) ([]string, error) {
	all, err := c.Host.ListNamespaces()
	if err != nil {
		return nil, err
	}
	return withPrefix(all, prefix), nil
}

func (c *Collector) links(prefix string) ([]string, error) {
	all, err := c.Host.ListLinks()
	if err != nil {
		return nil, err
	}
	return withPrefix(all, prefix), nil
}

func (c *Collector) ports(ctx context.Context, prefix, bridge string) (map[string]string, error) {
	if bridge != "" {
		return c.Switch.PortsWithPrefix(ctx, prefix, bridge)
	}
	return c.Switch.PortsWithPrefix(ctx, prefix)
}

func withPrefix(names []string, prefix string) []string {
	var matched []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	return matched
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
