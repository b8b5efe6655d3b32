// Package ovs drives the host's Open vSwitch through ovs-vsctl.
package ovs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cochaviz/slicenet/internal/logging"
)

var vsctlCommand = func(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ovs-vsctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("ovs-vsctl %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Switch manipulates bridges and ports. All mutations are idempotent.
type Switch struct {
	Logger *slog.Logger
}

// New returns a switch driver logging to logger.
func New(logger *slog.Logger) *Switch {
	return &Switch{Logger: logger}
}

func (s *Switch) logger() *slog.Logger {
	if s == nil {
		return slog.Default()
	}
	return logging.Ensure(s.Logger)
}

// AddPortArgs builds the ovs-vsctl arguments attaching port to bridge with an
// access tag. Remote agents reuse them to keep the wire format in one place.
func AddPortArgs(bridge, port string, tag int) []string {
	return []string{"--may-exist", "add-port", bridge, port, "tag=" + strconv.Itoa(tag)}
}

// ListBridges returns every bridge on the host.
func (s *Switch) ListBridges(ctx context.Context) ([]string, error) {
	output, err := vsctlCommand(ctx, "list-br")
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// BridgeExists reports whether bridge is configured.
func (s *Switch) BridgeExists(ctx context.Context, bridge string) (bool, error) {
	bridges, err := s.ListBridges(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range bridges {
		if name == bridge {
			return true, nil
		}
	}
	return false, nil
}

// ListPorts returns the ports attached to bridge.
func (s *Switch) ListPorts(ctx context.Context, bridge string) ([]string, error) {
	output, err := vsctlCommand(ctx, "list-ports", bridge)
	if err != nil {
		return nil, err
	}
	return splitLines(output), nil
}

// AddPort attaches an existing interface to bridge as an access port for tag.
func (s *Switch) AddPort(ctx context.Context, bridge, port string, tag int) error {
	if _, err := vsctlCommand(ctx, AddPortArgs(bridge, port, tag)...); err != nil {
		return err
	}
	s.logger().Debug("attached switch port", "bridge", bridge, "port", port, "tag", tag)
	return nil
}

// AddInternalPort creates a switch-resident interface on bridge tagged with tag.
func (s *Switch) AddInternalPort(ctx context.Context, bridge, port string, tag int) error {
	args := append(AddPortArgs(bridge, port, tag), "--", "set", "interface", port, "type=internal")
	if _, err := vsctlCommand(ctx, args...); err != nil {
		return err
	}
	s.logger().Debug("created internal port", "bridge", bridge, "port", port, "tag", tag)
	return nil
}

// DeletePort detaches port. An empty bridge lets ovs-vsctl resolve the owner.
// Missing ports are not an error.
func (s *Switch) DeletePort(ctx context.Context, bridge, port string) error {
	args := []string{"--if-exists", "del-port"}
	if bridge != "" {
		args = append(args, bridge)
	}
	args = append(args, port)
	if _, err := vsctlCommand(ctx, args...); err != nil {
		return err
	}
	return nil
}

// PortsWithPrefix lists ports of the given bridges whose name starts with prefix.
// With no bridges every bridge on the host is scanned. The result maps each
// port to its bridge.
func (s *Switch) PortsWithPrefix(ctx context.Context, prefix string, bridges ...string) (map[string]string, error) {
	if len(bridges) == 0 {
		all, err := s.ListBridges(ctx)
		if err != nil {
			return nil, err
		}
		bridges = all
	}
	found := make(map[string]string)
	for _, bridge := range bridges {
		ports, err := s.ListPorts(ctx, bridge)
		if err != nil {
			return found, err
		}
		for _, port := range ports {
			if strings.HasPrefix(port, prefix) {
				found[port] = bridge
			}
		}
	}
	return found, nil
}

func splitLines(output []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
