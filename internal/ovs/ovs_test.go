package ovs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAddPortsUseTagAndInternalType(t *testing.T) {
	seq := &vsctlSequence{
		responses: []vsctlResponse{
			{expected: []string{"--may-exist", "add-port", "br-cloud", "id1-vovs100", "tag=100"}},
			{expected: []string{"--may-exist", "add-port", "br-cloud", "id1-gw100", "tag=100", "--", "set", "interface", "id1-gw100", "type=internal"}},
		},
	}
	restore := stubVsctl(t, seq)
	defer restore()

	sw := New(nil)
	if err := sw.AddPort(context.Background(), "br-cloud", "id1-vovs100", 100); err != nil {
		t.Fatalf("AddPort unexpected error: %v", err)
	}
	if err := sw.AddInternalPort(context.Background(), "br-cloud", "id1-gw100", 100); err != nil {
		t.Fatalf("AddInternalPort unexpected error: %v", err)
	}
	if len(seq.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(seq.calls))
	}
}

func TestDeletePortWithoutBridge(t *testing.T) {
	seq := &vsctlSequence{
		responses: []vsctlResponse{
			{expected: []string{"--if-exists", "del-port", "br-cloud", "id1-gw100"}},
			{expected: []string{"--if-exists", "del-port", "id1-gw100"}},
		},
	}
	restore := stubVsctl(t, seq)
	defer restore()

	sw := New(nil)
	if err := sw.DeletePort(context.Background(), "br-cloud", "id1-gw100"); err != nil {
		t.Fatalf("DeletePort unexpected error: %v", err)
	}
	if err := sw.DeletePort(context.Background(), "", "id1-gw100"); err != nil {
		t.Fatalf("DeletePort unexpected error: %v", err)
	}
}

func TestPortsWithPrefixScansAllBridges(t *testing.T) {
	seq := &vsctlSequence{
		responses: []vsctlResponse{
			{expected: []string{"list-br"}, output: "br-cloud\nbr-int\n"},
			{expected: []string{"list-ports", "br-cloud"}, output: "eth1\nid1-vovs100\nid1-gw100\nid10-gw5\n"},
			{expected: []string{"list-ports", "br-int"}, output: "id1-vovs101\n"},
		},
	}
	restore := stubVsctl(t, seq)
	defer restore()

	ports, err := New(nil).PortsWithPrefix(context.Background(), "id1-")
	if err != nil {
		t.Fatalf("PortsWithPrefix unexpected error: %v", err)
	}
	want := map[string]string{
		"id1-vovs100": "br-cloud",
		"id1-gw100":   "br-cloud",
		"id1-vovs101": "br-int",
	}
	if len(ports) != len(want) {
		t.Fatalf("got %v want %v", ports, want)
	}
	for port, bridge := range want {
		if ports[port] != bridge {
			t.Fatalf("port %s on %q, want %q", port, ports[port], bridge)
		}
	}
}

func TestBridgeExists(t *testing.T) {
	seq := &vsctlSequence{
		responses: []vsctlResponse{
			{expected: []string{"list-br"}, output: "br-cloud\n"},
			{expected: []string{"list-br"}, output: "br-cloud\n"},
			{expected: []string{"list-br"}, err: errors.New("database connection failed")},
		},
	}
	restore := stubVsctl(t, seq)
	defer restore()

	sw := New(nil)
	if ok, err := sw.BridgeExists(context.Background(), "br-cloud"); err != nil || !ok {
		t.Fatalf("expected br-cloud to exist, got %t %v", ok, err)
	}
	if ok, err := sw.BridgeExists(context.Background(), "br-missing"); err != nil || ok {
		t.Fatalf("expected br-missing to be absent, got %t %v", ok, err)
	}
	if _, err := sw.BridgeExists(context.Background(), "br-cloud"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func stubVsctl(t *testing.T, seq *vsctlSequence) func() {
	t.Helper()
	prev := vsctlCommand
	vsctlCommand = func(_ context.Context, args ...string) ([]byte, error) {
		return seq.next(args)
	}
	return func() {
		vsctlCommand = prev
	}
}

type vsctlResponse struct {
	expected []string
	output   string
	err      error
}

type vsctlSequence struct {
	index     int
	responses []vsctlResponse
	calls     [][]string
}

func (s *vsctlSequence) next(args []string) ([]byte, error) {
	if s.index >= len(s.responses) {
		return nil, errors.New("unexpected ovs-vsctl invocation")
	}
	resp := s.responses[s.index]
	s.index++
	s.calls = append(s.calls, append([]string(nil), args...))
	if resp.expected != nil {
		if strings.Join(resp.expected, " ") != strings.Join(args, " ") {
			return nil, fmt.Errorf("unexpected ovs-vsctl args: got %v want %v", args, resp.expected)
		}
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return []byte(resp.output), nil
}
