package netprov

import (
	"errors"
	"strings"
	"testing"

	"github.com/vishvananda/netns"
)

type threadCalls struct {
	locked, unlocked int
	sets             []netns.NsHandle
}

func stubNamespaceCalls(t *testing.T, setErr, createErr error) *threadCalls {
	t.Helper()
	calls := &threadCalls{}
	prevLock, prevUnlock := lockThread, unlockThread
	prevGet, prevNew, prevSet := currentNetns, newNamedNetns, setNetns
	lockThread = func() { calls.locked++ }
	unlockThread = func() { calls.unlocked++ }
	currentNetns = func() (netns.NsHandle, error) { return netns.None(), nil }
	newNamedNetns = func(string) (netns.NsHandle, error) {
		if createErr != nil {
			return netns.None(), createErr
		}
		return netns.None(), nil
	}
	setNetns = func(ns netns.NsHandle) error {
		calls.sets = append(calls.sets, ns)
		return setErr
	}
	t.Cleanup(func() {
		lockThread, unlockThread = prevLock, prevUnlock
		currentNetns, newNamedNetns, setNetns = prevGet, prevNew, prevSet
	})
	return calls
}

func TestCreateNamespaceRestoresAndUnlocks(t *testing.T) {
	calls := stubNamespaceCalls(t, nil, nil)

	if err := (NetlinkHost{}).CreateNamespace("id1-ns100"); err != nil {
		t.Fatalf("CreateNamespace unexpected error: %v", err)
	}
	if calls.locked != 1 || calls.unlocked != 1 {
		t.Fatalf("lock/unlock = %d/%d, want 1/1", calls.locked, calls.unlocked)
	}
	if len(calls.sets) != 1 {
		t.Fatalf("expected one switch back to the origin namespace, got %d", len(calls.sets))
	}
}

func TestCreateNamespaceKeepsThreadLockedWhenRestoreFails(t *testing.T) {
	calls := stubNamespaceCalls(t, errors.New("operation not permitted"), nil)

	err := (NetlinkHost{}).CreateNamespace("id1-ns100")
	if err == nil || !strings.Contains(err.Error(), "restore netns") {
		t.Fatalf("expected restore error, got %v", err)
	}
	if calls.unlocked != 0 {
		t.Fatalf("thread left in the new namespace must not be unlocked")
	}
}

func TestCreateNamespaceFailureStillRestores(t *testing.T) {
	calls := stubNamespaceCalls(t, nil, errors.New("file exists"))

	err := (NetlinkHost{}).CreateNamespace("id1-ns100")
	if err == nil || !strings.Contains(err.Error(), "create netns id1-ns100") {
		t.Fatalf("expected create error, got %v", err)
	}
	if len(calls.sets) != 1 || calls.unlocked != 1 {
		t.Fatalf("expected restore and unlock after failed create, got sets=%d unlocked=%d", len(calls.sets), calls.unlocked)
	}
}
