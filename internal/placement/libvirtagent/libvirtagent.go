// Package libvirtagent creates VMs on a worker through its libvirt daemon.
package libvirtagent

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/models"
	"github.com/cochaviz/slicenet/internal/placement"
	"github.com/cochaviz/slicenet/internal/placement/seed"
)

//go:embed domain.xml.tmpl
var domainTemplate string

// hypervisor is the subset of a libvirt connection the agent needs.
type hypervisor interface {
	IsAlive() (bool, error)
	ActiveDomainXMLs() ([]string, error)
	VolumePath(pool, name string) (string, error)
	CreateVolume(pool, volumeXML string, data []byte) (string, error)
	CreateDomain(domainXML string) error
	Close() error
}

var connect = func(uri string) (hypervisor, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, err
	}
	return &libvirtConn{conn: conn}, nil
}

type libvirtConn struct {
	conn *libvirt.Connect
}

func (c *libvirtConn) IsAlive() (bool, error) {
	return c.conn.IsAlive()
}

func (c *libvirtConn) ActiveDomainXMLs() ([]string, error) {
	domains, err := c.conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	var docs []string
	for i := range domains {
		desc, err := domains[i].GetXMLDesc(0)
		_ = domains[i].Free()
		if err != nil {
			return nil, fmt.Errorf("describe domain: %w", err)
		}
		docs = append(docs, desc)
	}
	return docs, nil
}

func (c *libvirtConn) VolumePath(poolName, name string) (string, error) {
	pool, err := c.conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return "", fmt.Errorf("lookup pool %s: %w", poolName, err)
	}
	defer pool.Free()
	vol, err := pool.LookupStorageVolByName(name)
	if err != nil {
		return "", fmt.Errorf("lookup volume %s: %w", name, err)
	}
	defer vol.Free()
	return vol.GetPath()
}

// CreateVolume defines a volume in the pool and, when data is set, streams it
// into the volume.
func (c *libvirtConn) CreateVolume(poolName, volumeXML string, data []byte) (string, error) {
	pool, err := c.conn.LookupStoragePoolByName(poolName)
	if err != nil {
		return "", fmt.Errorf("lookup pool %s: %w", poolName, err)
	}
	defer pool.Free()

	vol, err := pool.StorageVolCreateXML(volumeXML, 0)
	if err != nil {
		return "", fmt.Errorf("create volume: %w", err)
	}
	defer vol.Free()

	if len(data) > 0 {
		if err := c.upload(vol, data); err != nil {
			_ = vol.Delete(0)
			return "", err
		}
	}
	return vol.GetPath()
}

func (c *libvirtConn) upload(vol *libvirt.StorageVol, data []byte) error {
	stream, err := c.conn.NewStream(0)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Free()

	if err := vol.Upload(stream, 0, uint64(len(data)), 0); err != nil {
		return fmt.Errorf("start upload: %w", err)
	}
	for sent := 0; sent < len(data); {
		n, err := stream.Send(data[sent:])
		if err != nil {
			_ = stream.Abort()
			return fmt.Errorf("send volume data: %w", err)
		}
		sent += n
	}
	if err := stream.Finish(); err != nil {
		return fmt.Errorf("finish upload: %w", err)
	}
	return nil
}

func (c *libvirtConn) CreateDomain(domainXML string) error {
	domain, err := c.conn.DomainCreateXML(domainXML, 0)
	if err != nil {
		return err
	}
	return domain.Free()
}

func (c *libvirtConn) Close() error {
	_, err := c.conn.Close()
	return err
}

// Config points the agent at a libvirt daemon and its storage pools.
type Config struct {
	URI string `yaml:"uri"`
	// ImagePool holds the base images referenced by placement requests.
	ImagePool string `yaml:"image_pool"`
	// InstancePool receives per-VM overlay disks and seeds.
	InstancePool string `yaml:"instance_pool"`
}

// Agent implements placement.WorkerAgent against libvirt.
type Agent struct {
	name    string
	address string
	cfg     Config
	Logger  *slog.Logger
}

var _ placement.WorkerAgent = (*Agent)(nil)

// New returns an agent for the worker's libvirt daemon. An empty URI is
// derived from address.
func New(name, address string, cfg Config, logger *slog.Logger) *Agent {
	if cfg.URI == "" {
		cfg.URI = fmt.Sprintf("qemu+ssh://root@%s/system", address)
	}
	if cfg.ImagePool == "" {
		cfg.ImagePool = "images"
	}
	if cfg.InstancePool == "" {
		cfg.InstancePool = "default"
	}
	return &Agent{name: name, address: address, cfg: cfg, Logger: logger}
}

func (a *Agent) Name() string    { return a.name }
func (a *Agent) Address() string { return a.address }

func (a *Agent) logger() *slog.Logger {
	return logging.Ensure(a.Logger).With("worker", a.name, "uri", a.cfg.URI)
}

// withConn runs fn against a fresh connection, abandoning the wait when ctx
// ends. libvirt calls are not cancellable, so a late call still completes.
func (a *Agent) withConn(ctx context.Context, fn func(hypervisor) error) error {
	done := make(chan error, 1)
	go func() {
		conn, err := connect(a.cfg.URI)
		if err != nil {
			done <- fmt.Errorf("connect %s: %w", a.cfg.URI, err)
			return
		}
		defer conn.Close()
		done <- fn(conn)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReachable connects and checks the connection is alive.
func (a *Agent) IsReachable(ctx context.Context) error {
	return a.withConn(ctx, func(h hypervisor) error {
		alive, err := h.IsAlive()
		if err != nil {
			return err
		}
		if !alive {
			return errors.New("libvirt connection is not alive")
		}
		return nil
	})
}

// ListUsedPorts collects VNC ports of active domains.
func (a *Agent) ListUsedPorts(ctx context.Context) ([]int, error) {
	var ports []int
	err := a.withConn(ctx, func(h hypervisor) error {
		docs, err := h.ActiveDomainXMLs()
		if err != nil {
			return err
		}
		for _, doc := range docs {
			found, err := VNCPorts(doc)
			if err != nil {
				return err
			}
			ports = append(ports, found...)
		}
		return nil
	})
	return ports, err
}

// CreateVM creates the overlay and seed volumes and starts a transient domain.
func (a *Agent) CreateVM(ctx context.Context, req placement.CreateRequest) error {
	seedImage, err := seed.Build(seed.Config{InstanceID: req.ProcessName, Hostname: req.VMName})
	if err != nil {
		return err
	}
	diskBytes, err := parseSize(req.Flavor.Disk)
	if err != nil {
		return models.Wrap(models.ErrValidation, "create vm", req.VMName, err)
	}
	memoryBytes, err := parseSize(req.Flavor.Memory)
	if err != nil {
		return models.Wrap(models.ErrValidation, "create vm", req.VMName, err)
	}

	logger := a.logger().With("vm", req.VMName, "vnc_port", req.Port)
	return a.withConn(ctx, func(h hypervisor) error {
		base, err := h.VolumePath(a.cfg.ImagePool, imageVolume(req.Image))
		if err != nil {
			return fmt.Errorf("image %s: %w", req.Image, err)
		}
		disk, err := h.CreateVolume(a.cfg.InstancePool, overlayVolumeXML(req.ProcessName+"-disk.qcow2", base, diskBytes), nil)
		if err != nil {
			return err
		}
		seedPath, err := h.CreateVolume(a.cfg.InstancePool, seedVolumeXML(req.ProcessName+"-seed.iso", len(seedImage)), seedImage)
		if err != nil {
			return err
		}

		domainXML, err := RenderDomain(DomainData{
			Name:      req.ProcessName,
			MemoryMiB: memoryBytes / humanize.MiByte,
			VCPUs:     req.Flavor.CPUs,
			Disk:      disk,
			Seed:      seedPath,
			MAC:       placement.MACAddress(req.ProcessName),
			Switch:    req.Switch,
			VLAN:      req.VLAN,
			Tap:       req.Tap,
			VNCPort:   req.Port,
		})
		if err != nil {
			return err
		}
		if err := h.CreateDomain(string(domainXML)); err != nil {
			return fmt.Errorf("create domain %s: %w", req.ProcessName, err)
		}
		logger.Info("domain started", "disk", disk)
		return nil
	})
}

// DomainData fills the embedded domain template.
type DomainData struct {
	Name      string
	MemoryMiB uint64
	VCPUs     int
	Disk      string
	Seed      string
	MAC       string
	Switch    string
	VLAN      int
	Tap       string
	VNCPort   int
}

// RenderDomain renders the transient domain definition for data.
func RenderDomain(data DomainData) ([]byte, error) {
	if data.Name == "" || data.Disk == "" {
		return nil, errors.New("domain name and disk are required")
	}
	if data.MemoryMiB == 0 || data.VCPUs <= 0 {
		return nil, errors.New("memory and vcpus must be positive")
	}
	tmpl, err := template.New("domain").Parse(domainTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}

type domainGraphics struct {
	Devices struct {
		Graphics []struct {
			Type string `xml:"type,attr"`
			Port int    `xml:"port,attr"`
		} `xml:"graphics"`
	} `xml:"devices"`
}

// VNCPorts returns the allocated VNC ports in a domain definition. Ports
// libvirt has not assigned yet (-1) are skipped.
func VNCPorts(domainXML string) ([]int, error) {
	var doc domainGraphics
	if err := xml.Unmarshal([]byte(domainXML), &doc); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}
	var ports []int
	for _, g := range doc.Devices.Graphics {
		if g.Type == "vnc" && g.Port >= models.VNCBasePort {
			ports = append(ports, g.Port)
		}
	}
	return ports, nil
}

func imageVolume(ref string) string {
	if strings.Contains(ref, ".") {
		return ref
	}
	return ref + ".qcow2"
}

// parseSize reads QEMU style sizes such as 512M or 1G as binary units.
func parseSize(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("size is empty")
	}
	switch last := value[len(value)-1]; last {
	case 'K', 'k', 'M', 'm', 'G', 'g', 'T', 't':
		value += "iB"
	}
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	return size, nil
}

func overlayVolumeXML(name, backing string, capacity uint64) string {
	return fmt.Sprintf(`<volume>
  <name>%s</name>
  <capacity unit='bytes'>%d</capacity>
  <target><format type='qcow2'/></target>
  <backingStore><path>%s</path><format type='qcow2'/></backingStore>
</volume>`, name, capacity, backing)
}

func seedVolumeXML(name string, size int) string {
	return fmt.Sprintf(`<volume>
  <name>%s</name>
  <capacity unit='bytes'>%d</capacity>
  <target><format type='raw'/></target>
</volume>`, name, size)
}
