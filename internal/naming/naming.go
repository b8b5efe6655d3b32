// Package naming derives every OS-level resource name from a slice identifier.
//
// Teardown rediscovers resources purely from these names, so the functions here
// are the contract between creation and cleanup.
package naming

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cochaviz/slicenet/internal/models"
)

// Prefix returns the name prefix shared by all resources of id.
func Prefix(id string) string {
	return "id" + id + "-"
}

// Namespace is the network namespace hosting the DHCP server of vlan.
func Namespace(id string, vlan int) string {
	return fmt.Sprintf("%sns%d", Prefix(id), vlan)
}

// SwitchVeth is the host side of the link pair, attached to the switch.
func SwitchVeth(id string, vlan int) string {
	return fmt.Sprintf("%svovs%d", Prefix(id), vlan)
}

// NamespaceVeth is the namespace side of the link pair.
func NamespaceVeth(id string, vlan int) string {
	return fmt.Sprintf("%svns%d", Prefix(id), vlan)
}

// GatewayPort is the internal switch port carrying the routable gateway address.
func GatewayPort(id string, vlan int) string {
	return fmt.Sprintf("%sgw%d", Prefix(id), vlan)
}

// VMName is the name handed to tenants for the n-th VM (1-based) of a slice.
func VMName(id string, n int) string {
	return fmt.Sprintf("%s-VM%d", id, n)
}

// VMProcessName is the name a VM carries on its worker, used for port discovery.
func VMProcessName(id, vmName string) string {
	return Prefix(id) + vmName
}

// TapName is the worker-side tap device of the n-th VM on vlan. With ids up
// to 9999 and n below 1000 it stays within the 15 byte interface name limit.
func TapName(id string, n, vlan int) string {
	return fmt.Sprintf("%s%dt%d", Prefix(id), n, vlan)
}

// MaxID is the largest slice identifier whose derived names fit an interface name.
const MaxID = 9999

// ValidateID checks that id is a decimal identifier in [1, MaxID].
func ValidateID(id string) error {
	n, err := strconv.Atoi(id)
	if err != nil || strconv.Itoa(n) != id {
		return models.Errorf(models.ErrValidation, "validate id", id, "identifier must be a decimal number")
	}
	if n < 1 || n > MaxID {
		return models.Errorf(models.ErrValidation, "validate id", id, "identifier must be between 1 and %d", MaxID)
	}
	return nil
}

// Matches reports whether name belongs to id.
func Matches(id, name string) bool {
	return strings.HasPrefix(name, Prefix(id))
}

// Paths locates the DHCP handle and lease files keyed by (slice, vlan).
type Paths struct {
	RunDir   string
	LeaseDir string
}

// DefaultPaths are the well-known locations used by the garbage collector.
var DefaultPaths = Paths{
	RunDir:   "/var/run/dhcp",
	LeaseDir: "/var/lib/dhcp",
}

// PidFile is the dnsmasq pid file of vlan.
func (p Paths) PidFile(id string, vlan int) string {
	return filepath.Join(p.RunDir, Namespace(id, vlan)+"-dnsmasq.pid")
}

// LeaseFile is the dnsmasq lease store of vlan.
func (p Paths) LeaseFile(id string, vlan int) string {
	return filepath.Join(p.LeaseDir, Namespace(id, vlan)+"-dnsmasq.leases")
}

// PidGlob matches every pid file of id.
func (p Paths) PidGlob(id string) string {
	return filepath.Join(p.RunDir, Prefix(id)+"*.pid")
}

// LeaseGlob matches every lease file of id.
func (p Paths) LeaseGlob(id string) string {
	return filepath.Join(p.LeaseDir, Prefix(id)+"*.leases")
}
