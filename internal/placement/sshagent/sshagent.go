// Package sshagent drives QEMU on a worker over SSH.
package sshagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/creachadair/shell"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/placement"
	"github.com/cochaviz/slicenet/internal/placement/seed"
)

// Runner executes shell commands on a worker.
type Runner interface {
	Run(ctx context.Context, command string, stdin io.Reader) ([]byte, error)
	Close() error
}

// CommandError is a remote command that exited non-zero.
type CommandError struct {
	Command string
	Status  int
	Stderr  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%q exited with status %d: %s", e.Command, e.Status, e.Stderr)
}

var dial = func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Runner, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &sshRunner{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, command string, stdin io.Reader) ([]byte, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}
	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- session.Wait()
	}()

	select {
	case err := <-waitCh:
		if err == nil {
			return stdout.Bytes(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &CommandError{Command: command, Status: exitErr.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return stdout.Bytes(), err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.Bytes(), fmt.Errorf("%q: %w", command, ctx.Err())
	}
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}

// Config describes how to reach a worker and where it keeps images.
type Config struct {
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	// Insecure skips host key verification. Workers are otherwise checked
	// against KnownHostsPath.
	Insecure    bool          `yaml:"insecure"`
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ImageDir    string        `yaml:"image_dir"`
	WorkDir     string        `yaml:"work_dir"`
	QemuBinary  string        `yaml:"qemu_binary"`
}

// DefaultConfig mirrors the layout workers are provisioned with.
func DefaultConfig() Config {
	return Config{
		User:           "root",
		KeyPath:        "/root/.ssh/id_ed25519",
		KnownHostsPath: "/root/.ssh/known_hosts",
		Port:           22,
		DialTimeout:    10 * time.Second,
		ImageDir:       "/var/lib/virt/images",
		WorkDir:        "/var/lib/virt/instances",
		QemuBinary:     "qemu-system-x86_64",
	}
}

// Agent implements placement.WorkerAgent over SSH.
type Agent struct {
	name    string
	address string
	cfg     Config
	Logger  *slog.Logger
}

var _ placement.WorkerAgent = (*Agent)(nil)

// New returns an agent for the worker at address. Zero config fields take
// their defaults.
func New(name, address string, cfg Config, logger *slog.Logger) *Agent {
	defaults := DefaultConfig()
	if cfg.User == "" {
		cfg.User = defaults.User
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = defaults.KeyPath
	}
	if cfg.KnownHostsPath == "" {
		cfg.KnownHostsPath = defaults.KnownHostsPath
	}
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ImageDir == "" {
		cfg.ImageDir = defaults.ImageDir
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaults.WorkDir
	}
	if cfg.QemuBinary == "" {
		cfg.QemuBinary = defaults.QemuBinary
	}
	return &Agent{name: name, address: address, cfg: cfg, Logger: logger}
}

func (a *Agent) Name() string    { return a.name }
func (a *Agent) Address() string { return a.address }

func (a *Agent) logger() *slog.Logger {
	return logging.Ensure(a.Logger).With("worker", a.name)
}

func (a *Agent) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(a.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if a.cfg.Insecure {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		hostKeyCallback, err = knownhosts.New(a.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            a.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         a.cfg.DialTimeout,
	}, nil
}

func (a *Agent) connect(ctx context.Context) (Runner, error) {
	cfg, err := a.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(a.address, strconv.Itoa(a.cfg.Port))
	runner, err := dial(ctx, addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return runner, nil
}

// IsReachable dials the worker and runs a no-op command.
func (a *Agent) IsReachable(ctx context.Context) error {
	runner, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer runner.Close()
	if _, err := runner.Run(ctx, "true", nil); err != nil {
		return fmt.Errorf("probe command: %w", err)
	}
	return nil
}

// ListUsedPorts reads the -vnc argument of every running QEMU process.
func (a *Agent) ListUsedPorts(ctx context.Context) ([]int, error) {
	runner, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer runner.Close()

	output, err := runner.Run(ctx, "ps -eo args", nil)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return ParseVNCPorts(string(output)), nil
}

// CreateVM prepares the disk and seed, plugs a tap into the switch on the
// VM's VLAN and launches QEMU daemonized. A non-zero exit of any step fails
// the VM; the tap is removed again if QEMU does not start.
func (a *Agent) CreateVM(ctx context.Context, req placement.CreateRequest) error {
	runner, err := a.connect(ctx)
	if err != nil {
		return models.Wrap(models.ErrRemoteUnreachable, "create vm", req.VMName, err)
	}
	defer runner.Close()

	logger := a.logger().With("vm", req.VMName, "vnc_display", req.Display)
	seedImage, err := seed.Build(seed.Config{InstanceID: req.ProcessName, Hostname: req.VMName})
	if err != nil {
		return err
	}

	instanceDir := path.Join(a.cfg.WorkDir, req.ProcessName)
	disk := path.Join(instanceDir, "disk.qcow2")
	seedPath := path.Join(instanceDir, "seed.iso")

	steps := []struct {
		name    string
		command []string
		stdin   io.Reader
	}{
		{name: "prepare instance directory", command: []string{"mkdir", "-p", instanceDir}},
		{name: "create overlay disk", command: []string{"qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", ImagePath(a.cfg.ImageDir, req.Image), disk, req.Flavor.Disk}},
		{name: "upload seed", command: []string{"dd", "of=" + seedPath, "status=none"}, stdin: bytes.NewReader(seedImage)},
		{name: "create tap", command: []string{"ip", "tuntap", "add", "dev", req.Tap, "mode", "tap"}},
		{name: "raise tap", command: []string{"ip", "link", "set", req.Tap, "up"}},
		{name: "attach tap", command: []string{"ovs-vsctl", "--may-exist", "add-port", req.Switch, req.Tap, fmt.Sprintf("tag=%d", req.VLAN)}},
	}
	for _, step := range steps {
		if _, err := runner.Run(ctx, shell.Join(step.command), step.stdin); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		logger.Debug("worker step done", "step", step.name)
	}

	if _, err := runner.Run(ctx, shell.Join(a.qemuArgs(req, disk, seedPath)), nil); err != nil {
		cleanup := shell.Join([]string{"ip", "link", "delete", req.Tap})
		if _, cerr := runner.Run(context.WithoutCancel(ctx), cleanup, nil); cerr != nil {
			logger.Warn("removing tap after failed launch", "tap", req.Tap, "error", cerr)
		}
		return fmt.Errorf("launch qemu: %w", err)
	}
	logger.Info("qemu launched", "tap", req.Tap, "vlan", req.VLAN)
	return nil
}

func (a *Agent) qemuArgs(req placement.CreateRequest, disk, seedPath string) []string {
	return []string{
		a.cfg.QemuBinary,
		"-daemonize",
		"-enable-kvm",
		"-name", req.ProcessName,
		"-m", req.Flavor.Memory,
		"-smp", strconv.Itoa(req.Flavor.CPUs),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", disk),
		"-drive", fmt.Sprintf("file=%s,media=cdrom", seedPath),
		"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", req.Tap),
		"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", placement.MACAddress(req.ProcessName)),
		"-vnc", fmt.Sprintf("0.0.0.0:%d", req.Display),
		"-pidfile", path.Join(path.Dir(disk), "qemu.pid"),
	}
}

// ImagePath resolves an image reference against the worker image directory.
// Bare names get a .qcow2 suffix.
func ImagePath(imageDir, ref string) string {
	if path.IsAbs(ref) {
		return ref
	}
	if path.Ext(ref) == "" {
		ref += ".qcow2"
	}
	return path.Join(imageDir, ref)
}

// ParseVNCPorts extracts the TCP port of every "-vnc host:N" argument in ps
// output. Unix socket and disabled displays are ignored.
func ParseVNCPorts(output string) []int {
	var ports []int
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] != "-vnc" {
				continue
			}
			display, ok := parseDisplay(fields[i+1])
			if ok {
				ports = append(ports, models.VNCBasePort+display)
			}
		}
	}
	return ports
}

func parseDisplay(value string) (int, bool) {
	value, _, _ = strings.Cut(value, ",")
	if strings.HasPrefix(value, "unix:") || value == "none" {
		return 0, false
	}
	idx := strings.LastIndex(value, ":")
	if idx < 0 {
		return 0, false
	}
	display, err := strconv.Atoi(value[idx+1:])
	if err != nil || display < 0 {
		return 0, false
	}
	return display, true
}
