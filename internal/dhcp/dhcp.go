// Package dhcp runs one dnsmasq instance per VLAN namespace and tracks it by
// pid and lease files at well-known paths.
package dhcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/naming"
)

var (
	startProcess = func(ctx context.Context, name string, args ...string) error {
		cmd := exec.CommandContext(ctx, name, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		// dnsmasq forks into the background; do not wait on its inherited pipes.
		cmd.WaitDelay = 2 * time.Second
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return nil
	}
	processAlive = func(pid int) bool {
		if pid <= 0 {
			return false
		}
		err := unix.Kill(pid, 0)
		return err == nil || errors.Is(err, unix.EPERM)
	}
	signalProcess = func(pid int, sig unix.Signal) error {
		return unix.Kill(pid, sig)
	}
	procDir = "/proc"
)

const pollInterval = 100 * time.Millisecond

// Config tunes the dnsmasq instances.
type Config struct {
	Paths      naming.Paths
	LeaseTime  string
	DNSServers []string
	StartGrace time.Duration
	StopGrace  time.Duration
}

// DefaultConfig uses the well-known paths and the reference grace periods.
var DefaultConfig = Config{
	Paths:      naming.DefaultPaths,
	LeaseTime:  "12h",
	DNSServers: []string{"8.8.8.8"},
	StartGrace: time.Second,
	StopGrace:  2 * time.Second,
}

// Spec describes the DHCP service of one VLAN.
type Spec struct {
	SliceID   string
	VLAN      int
	Namespace string
	Interface string
	Start     net.IP
	End       net.IP
	Gateway   net.IP
	Netmask   string
}

// Handle identifies a running instance. It can be rebuilt from the pid file.
type Handle struct {
	SliceID   string
	VLAN      int
	Pid       int
	PidFile   string
	LeaseFile string
}

// Manager starts and stops dnsmasq instances.
type Manager struct {
	Config Config
	Logger *slog.Logger
}

// NewManager returns a manager using cfg.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{Config: cfg, Logger: logger}
}

func (m *Manager) logger() *slog.Logger {
	return logging.Ensure(m.Logger)
}

// Args builds the command line launching dnsmasq inside the namespace.
func (m *Manager) Args(spec Spec) []string {
	paths := m.Config.Paths
	lease := m.Config.LeaseTime
	if lease == "" {
		lease = DefaultConfig.LeaseTime
	}
	args := []string{
		"netns", "exec", spec.Namespace,
		"dnsmasq",
		"--conf-file=/dev/null",
		"--bind-interfaces",
		"--interface=" + spec.Interface,
		"--except-interface=lo",
		"--dhcp-authoritative",
		fmt.Sprintf("--dhcp-range=%s,%s,%s,%s", spec.Start, spec.End, spec.Netmask, lease),
		"--dhcp-option=option:router," + spec.Gateway.String(),
		"--pid-file=" + paths.PidFile(spec.SliceID, spec.VLAN),
		"--dhcp-leasefile=" + paths.LeaseFile(spec.SliceID, spec.VLAN),
	}
	if len(m.Config.DNSServers) > 0 {
		args = append(args, "--dhcp-option=option:dns-server,"+strings.Join(m.Config.DNSServers, ","))
	}
	return args
}

// Start launches dnsmasq and waits for its pid to be recorded and alive.
func (m *Manager) Start(ctx context.Context, spec Spec) (Handle, error) {
	paths := m.Config.Paths
	for _, dir := range []string{paths.RunDir, paths.LeaseDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Handle{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	handle := Handle{
		SliceID:   spec.SliceID,
		VLAN:      spec.VLAN,
		PidFile:   paths.PidFile(spec.SliceID, spec.VLAN),
		LeaseFile: paths.LeaseFile(spec.SliceID, spec.VLAN),
	}
	if err := os.Remove(handle.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Handle{}, fmt.Errorf("remove stale pid file: %w", err)
	}

	logger := m.logger().With("namespace", spec.Namespace, "interface", spec.Interface)
	if err := startProcess(ctx, "ip", m.Args(spec)...); err != nil {
		return Handle{}, fmt.Errorf("start dnsmasq in %s: %w", spec.Namespace, err)
	}

	grace := m.Config.StartGrace
	if grace <= 0 {
		grace = DefaultConfig.StartGrace
	}
	pid, err := waitForPid(ctx, handle.PidFile, grace)
	if err != nil {
		return Handle{}, fmt.Errorf("dnsmasq in %s did not start: %w", spec.Namespace, err)
	}
	handle.Pid = pid
	logger.Info("dhcp server started", "pid", pid, "range_start", spec.Start.String(), "range_end", spec.End.String())
	return handle, nil
}

// Stop terminates the instance behind h and removes its pid file. A process
// that is already gone is not an error, and a live pid that no longer belongs
// to this instance's dnsmasq is left alone.
func (m *Manager) Stop(ctx context.Context, h Handle) error {
	pid := h.Pid
	if pid == 0 && h.PidFile != "" {
		read, err := ReadPidFile(h.PidFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		pid = read
	}
	switch {
	case pid <= 0:
	case h.PidFile != "" && processAlive(pid) && !OwnsPidFile(pid, h.PidFile):
		m.logger().Warn("stale pid file; not signalling", "pid", pid, "pid_file", h.PidFile)
	default:
		if _, err := m.Terminate(ctx, pid); err != nil {
			return err
		}
	}
	if h.PidFile != "" {
		if err := os.Remove(h.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove pid file: %w", err)
		}
	}
	return nil
}

// Termination describes how a process ended.
type Termination int

const (
	AlreadyGone Termination = iota
	Exited
	Killed
)

func (t Termination) String() string {
	switch t {
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	default:
		return "already-gone"
	}
}

// Terminate sends SIGTERM, waits for the stop grace period and escalates to
// SIGKILL.
func (m *Manager) Terminate(ctx context.Context, pid int) (Termination, error) {
	if !processAlive(pid) {
		return AlreadyGone, nil
	}
	if err := signalProcess(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return AlreadyGone, nil
		}
		return AlreadyGone, fmt.Errorf("terminate %d: %w", pid, err)
	}

	grace := m.Config.StopGrace
	if grace <= 0 {
		grace = DefaultConfig.StopGrace
	}
	if waitForExit(ctx, pid, grace) {
		m.logger().Debug("process exited", "pid", pid)
		return Exited, nil
	}

	m.logger().Warn("process ignored SIGTERM; killing", "pid", pid, "grace", grace)
	if err := signalProcess(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return Exited, fmt.Errorf("kill %d: %w", pid, err)
	}
	return Killed, nil
}

// ReadPidFile returns the pid recorded at path.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s holds %q", path, text)
	}
	return pid, nil
}

// OwnsPidFile reports whether pid is a dnsmasq started with
// --pid-file=pidFile. Pids outlive their pid files and get reused, so a pid
// read from a file is only signalled after this check.
func OwnsPidFile(pid int, pidFile string) bool {
	cmdline, err := os.ReadFile(filepath.Join(procDir, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	args := bytes.Split(bytes.TrimRight(cmdline, "\x00"), []byte{0})
	if filepath.Base(string(args[0])) != "dnsmasq" {
		return false
	}
	want := "--pid-file=" + pidFile
	for _, arg := range args[1:] {
		if string(arg) == want {
			return true
		}
	}
	return false
}

// Alive reports whether pid refers to a running process.
func Alive(pid int) bool {
	return processAlive(pid)
}

func waitForPid(ctx context.Context, path string, grace time.Duration) (int, error) {
	deadline := time.Now().Add(grace)
	var lastErr error
	for {
		pid, err := ReadPidFile(path)
		if err == nil && processAlive(pid) {
			return pid, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("process %d is not running", pid)
		} else {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return 0, lastErr
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func waitForExit(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !processAlive(pid)
		case <-time.After(pollInterval):
		}
	}
	return true
}
