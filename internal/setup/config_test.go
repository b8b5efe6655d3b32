package setup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/slicenet/internal/models"
)

func useConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	previous := ConfigDir
	ConfigDir = dir
	t.Cleanup(func() { ConfigDir = previous })
	return dir
}

func TestLoadConfigWritesDefaults(t *testing.T) {
	dir := useConfigDir(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig.Allocator, cfg.Allocator)

	data, err := os.ReadFile(filepath.Join(dir, "slicenet.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "base: \"10.1\"")
	assert.Contains(t, string(data), "probe_timeout: 10s")

	again, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.Placement, again.Placement)
	assert.Equal(t, cfg.DHCP, again.DHCP)
}

func TestLoadConfigKeepsDefaultsForMissingFields(t *testing.T) {
	dir := useConfigDir(t)
	content := `
default_switch: br-lab
placement:
  dispatch_timeout: 90s
workers:
  - name: w1
    address: 10.0.0.11
  - name: w2
    address: 10.0.0.12
    driver: libvirt
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slicenet.yaml"), []byte(content), 0o644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "br-lab", cfg.DefaultSwitch)
	assert.Equal(t, 90*time.Second, cfg.Placement.DispatchTimeout)
	assert.Equal(t, DefaultConfig.Placement.ProbeTimeout, cfg.Placement.ProbeTimeout)
	assert.Equal(t, DefaultConfig.Allocator, cfg.Allocator)
	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, DriverLibvirt, cfg.Workers[1].Driver)
}

func TestLoadConfigRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown field", content: "swich: br-lab\n"},
		{name: "bad base", content: "allocator:\n  base: 10.1.2\n"},
		{name: "duplicate worker", content: "workers:\n  - {name: w1, address: a}\n  - {name: w1, address: b}\n"},
		{name: "unknown driver", content: "workers:\n  - {name: w1, address: a, driver: xen}\n"},
		{name: "worker without address", content: "workers:\n  - {name: w1}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := useConfigDir(t)
			require.NoError(t, os.WriteFile(filepath.Join(dir, "slicenet.yaml"), []byte(tt.content), 0o644))
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestClearConfig(t *testing.T) {
	useConfigDir(t)
	require.NoError(t, WriteConfig(DefaultConfig))
	require.NoError(t, Verify())

	require.NoError(t, ClearConfig())
	assert.Error(t, Verify())
	assert.NoError(t, ClearConfig())
}

func TestDHCPManagerConfig(t *testing.T) {
	cfg := DefaultConfig
	cfg.DHCP.RunDir = "/run/slicenet"
	got := cfg.DHCPManagerConfig()
	assert.Equal(t, "/run/slicenet", got.Paths.RunDir)
	assert.Equal(t, DefaultConfig.DHCP.LeaseDir, got.Paths.LeaseDir)
	assert.Equal(t, "12h", got.LeaseTime)
}

func TestPreflight(t *testing.T) {
	restoreEuid, restoreLook := geteuid, lookPath
	t.Cleanup(func() { geteuid, lookPath = restoreEuid, restoreLook })

	lookPath = func(name string) (string, error) {
		if name == "dnsmasq" {
			return "", errors.New("executable file not found in $PATH")
		}
		return "/usr/sbin/" + name, nil
	}

	geteuid = func() int { return 1000 }
	assert.ErrorIs(t, Preflight("ip"), models.ErrPrivilege)

	geteuid = func() int { return 0 }
	assert.NoError(t, Preflight("ip", "ovs-vsctl"))

	err := Preflight("ip", "dnsmasq")
	assert.ErrorIs(t, err, models.ErrDependencyMissing)
	assert.Contains(t, err.Error(), "dnsmasq")
}
