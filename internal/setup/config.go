package setup

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/slicenet/internal/allocator"
	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/naming"
	"github.com/cochaviz/slicenet/internal/placement"
	"github.com/cochaviz/slicenet/internal/placement/sshagent"
)

var ConfigDir = "/etc/slicenet"

const configFile = "slicenet.yaml"

// Worker drivers.
const (
	DriverSSH     = "ssh"
	DriverLibvirt = "libvirt"
)

// DHCPConfig mirrors dhcp.Config with file-friendly field names.
type DHCPConfig struct {
	RunDir     string        `yaml:"run_dir"`
	LeaseDir   string        `yaml:"lease_dir"`
	LeaseTime  string        `yaml:"lease_time"`
	DNSServers []string      `yaml:"dns_servers"`
	StartGrace time.Duration `yaml:"start_grace"`
	StopGrace  time.Duration `yaml:"stop_grace"`
}

// WorkerConfig names one hypervisor host. Workers are used in file order.
type WorkerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	// Driver is "ssh" (default) or "libvirt".
	Driver string `yaml:"driver,omitempty"`
	// URI overrides the libvirt connection URI derived from Address.
	URI string `yaml:"uri,omitempty"`
}

// LibvirtConfig holds the storage pools used by workers with the libvirt driver.
type LibvirtConfig struct {
	ImagePool    string `yaml:"image_pool"`
	InstancePool string `yaml:"instance_pool"`
}

// Config captures everything the orchestrator needs to run on this host.
type Config struct {
	Allocator allocator.Config `yaml:"allocator"`
	DHCP      DHCPConfig       `yaml:"dhcp"`
	Placement placement.Config `yaml:"placement"`
	Workers   []WorkerConfig   `yaml:"workers"`
	SSH       sshagent.Config  `yaml:"ssh"`
	Libvirt   LibvirtConfig    `yaml:"libvirt"`

	DefaultSwitch string `yaml:"default_switch"`
	// ExternalInterface overrides default route detection for egress rules.
	ExternalInterface string `yaml:"external_interface,omitempty"`
	// Concurrency bounds the VLANs of a range provisioned at once.
	Concurrency int `yaml:"concurrency"`

	Database    string `yaml:"database"`
	TopologyDir string `yaml:"topology_dir"`
	Listen      string `yaml:"listen"`
}

// DefaultConfig is written to disk the first time the configuration is loaded.
var DefaultConfig = Config{
	Allocator: allocator.DefaultConfig,
	DHCP: DHCPConfig{
		RunDir:     naming.DefaultPaths.RunDir,
		LeaseDir:   naming.DefaultPaths.LeaseDir,
		LeaseTime:  dhcp.DefaultConfig.LeaseTime,
		DNSServers: dhcp.DefaultConfig.DNSServers,
		StartGrace: dhcp.DefaultConfig.StartGrace,
		StopGrace:  dhcp.DefaultConfig.StopGrace,
	},
	Placement:     placement.DefaultConfig(),
	SSH:           sshagent.DefaultConfig(),
	Libvirt:       LibvirtConfig{ImagePool: "images", InstancePool: "default"},
	DefaultSwitch: "br-slices",
	Concurrency:   4,
	Database:      "/var/lib/slicenet/inventory.db",
	TopologyDir:   "/var/lib/slicenet/topology",
	Listen:        "127.0.0.1:8470",
}

// ConfigPath is the location of the configuration file.
func ConfigPath() string {
	return filepath.Join(ConfigDir, configFile)
}

// LoadConfig reads the configuration file, writing the defaults first when
// it does not exist. Fields absent from the file keep their default value.
func LoadConfig() (Config, error) {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			getLogger().Info("writing default configuration", "path", ConfigPath())
			if err := WriteConfig(DefaultConfig); err != nil {
				return Config{}, err
			}
			return DefaultConfig, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig
	cfg.Workers = nil
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", ConfigPath(), err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", ConfigPath(), err)
	}
	return cfg, nil
}

// WriteConfig replaces the configuration file atomically.
func WriteConfig(cfg Config) error {
	if err := os.MkdirAll(ConfigDir, 0o755); err != nil {
		return fmt.Errorf("make config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := ConfigPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, ConfigPath()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Validate rejects configurations that would fail later at runtime.
func (c Config) Validate() error {
	if _, err := allocator.New(c.Allocator); err != nil {
		return fmt.Errorf("allocator: %w", err)
	}
	if c.DHCP.RunDir == "" || c.DHCP.LeaseDir == "" {
		return errors.New("dhcp: run_dir and lease_dir are required")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if strings.TrimSpace(c.Database) == "" {
		return errors.New("database path is required")
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		if w.Name == "" || w.Address == "" {
			return fmt.Errorf("worker %d: name and address are required", i+1)
		}
		if seen[w.Name] {
			return fmt.Errorf("worker %s: duplicate name", w.Name)
		}
		seen[w.Name] = true
		switch w.Driver {
		case "", DriverSSH, DriverLibvirt:
		default:
			return fmt.Errorf("worker %s: unknown driver %q", w.Name, w.Driver)
		}
	}
	return nil
}

// Paths returns the DHCP file locations.
func (c Config) Paths() naming.Paths {
	return naming.Paths{RunDir: c.DHCP.RunDir, LeaseDir: c.DHCP.LeaseDir}
}

// DHCPManagerConfig converts the file section into the dnsmasq manager config.
func (c Config) DHCPManagerConfig() dhcp.Config {
	return dhcp.Config{
		Paths:      c.Paths(),
		LeaseTime:  c.DHCP.LeaseTime,
		DNSServers: c.DHCP.DNSServers,
		StartGrace: c.DHCP.StartGrace,
		StopGrace:  c.DHCP.StopGrace,
	}
}

// Verify checks that the configuration file exists and parses.
func Verify() error {
	if _, err := os.Stat(ConfigPath()); err != nil {
		return fmt.Errorf("file %s does not exist", ConfigPath())
	}
	_, err := LoadConfig()
	return err
}

// ClearConfig removes the configuration file so the next load writes defaults.
func ClearConfig() error {
	getLogger().Info("clearing configuration", "path", ConfigPath())
	if err := os.Remove(ConfigPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", ConfigPath(), err)
	}
	return nil
}
