// Package allocator maps VLAN identifiers to subnets, gateways and DHCP windows.
//
// Every result is a pure function of its inputs so teardown can re-derive the
// plan of a VLAN without consulting any state kept at creation time.
package allocator

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cochaviz/slicenet/internal/models"
)

const (
	MinVLAN = 1
	MaxVLAN = 4094

	// usableHosts is the number of assignable addresses in a /24.
	usableHosts = 254
	prefixLen   = 24
)

// Config selects the address space VLAN subnets are carved from.
type Config struct {
	// Base holds the first two octets, e.g. "10.1".
	Base string `yaml:"base"`
	// Host offsets used for VLANs that belong to a range request.
	RangeGatewayHost   int `yaml:"range_gateway_host"`
	RangeDHCPStartHost int `yaml:"range_dhcp_start_host"`
	RangeDHCPEndHost   int `yaml:"range_dhcp_end_host"`
}

// DefaultConfig matches the addressing used by the existing deployments.
var DefaultConfig = Config{
	Base:               "10.1",
	RangeGatewayHost:   1,
	RangeDHCPStartHost: 10,
	RangeDHCPEndHost:   22,
}

// Allocator derives address plans for VLANs.
type Allocator struct {
	cfg    Config
	first  byte
	second byte
}

// New validates cfg and returns an allocator.
func New(cfg Config) (*Allocator, error) {
	parts := strings.Split(strings.TrimSpace(cfg.Base), ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("base %q must contain exactly two octets", cfg.Base)
	}
	first, err := parseOctet(parts[0])
	if err != nil {
		return nil, fmt.Errorf("base %q: %w", cfg.Base, err)
	}
	second, err := parseOctet(parts[1])
	if err != nil {
		return nil, fmt.Errorf("base %q: %w", cfg.Base, err)
	}
	// VLANs above 255 spill into the second octet.
	if int(second)+(MaxVLAN-1)/255 > 255 {
		return nil, fmt.Errorf("base %q leaves no room for VLANs above 255", cfg.Base)
	}
	if cfg.RangeGatewayHost < 1 || cfg.RangeGatewayHost > usableHosts {
		return nil, fmt.Errorf("range gateway host %d out of bounds", cfg.RangeGatewayHost)
	}
	if cfg.RangeDHCPStartHost < 1 || cfg.RangeDHCPStartHost > cfg.RangeDHCPEndHost || cfg.RangeDHCPEndHost > usableHosts {
		return nil, fmt.Errorf("range DHCP window %d-%d out of bounds", cfg.RangeDHCPStartHost, cfg.RangeDHCPEndHost)
	}
	if cfg.RangeGatewayHost >= cfg.RangeDHCPStartHost && cfg.RangeGatewayHost <= cfg.RangeDHCPEndHost {
		return nil, fmt.Errorf("range gateway host %d lies inside the DHCP window", cfg.RangeGatewayHost)
	}
	return &Allocator{cfg: cfg, first: first, second: second}, nil
}

// SubnetFor returns the /24 owned by vlan.
func (a *Allocator) SubnetFor(vlan int) (*net.IPNet, error) {
	if err := ValidateVLAN(vlan); err != nil {
		return nil, err
	}
	second, third := a.second, byte(vlan)
	if vlan > 255 {
		second = a.second + byte((vlan-1)/255)
		third = byte((vlan-1)%255 + 1)
	}
	return &net.IPNet{
		IP:   net.IPv4(a.first, second, third, 0).To4(),
		Mask: net.CIDRMask(prefixLen, 32),
	}, nil
}

// Allocate plans a VLAN that is the only segment of its slice. The DHCP window
// covers the first rangeSize hosts and the gateway takes the next address.
func (a *Allocator) Allocate(vlan, rangeSize int) (models.Allocation, error) {
	subnet, err := a.SubnetFor(vlan)
	if err != nil {
		return models.Allocation{}, err
	}
	// The window, the gateway and the DHCP server must all be usable hosts.
	if rangeSize < 1 || rangeSize > usableHosts-2 {
		return models.Allocation{}, models.Errorf(models.ErrValidation, "allocate", vlanUnit(vlan),
			"DHCP range size %d must be between 1 and %d", rangeSize, usableHosts-2)
	}
	alloc := models.Allocation{
		VLAN:      vlan,
		Subnet:    subnet,
		DHCPStart: hostAddr(subnet, 1),
		DHCPEnd:   hostAddr(subnet, rangeSize),
		Gateway:   hostAddr(subnet, rangeSize+1),
	}
	alloc.ServerIP = serverAddress(alloc)
	return alloc, nil
}

// AllocateMember plans the VLAN at offset within a multi-VLAN slice. Offset 0
// is the slice ingress and receives the externally supplied gateway when one
// is given.
func (a *Allocator) AllocateMember(vlan, offset int, ingressGateway string) (models.Allocation, error) {
	subnet, err := a.SubnetFor(vlan)
	if err != nil {
		return models.Allocation{}, err
	}
	alloc := models.Allocation{
		VLAN:      vlan,
		Subnet:    subnet,
		DHCPStart: hostAddr(subnet, a.cfg.RangeDHCPStartHost),
		DHCPEnd:   hostAddr(subnet, a.cfg.RangeDHCPEndHost),
		Gateway:   hostAddr(subnet, a.cfg.RangeGatewayHost),
	}
	if offset == 0 && strings.TrimSpace(ingressGateway) != "" {
		gw := net.ParseIP(strings.TrimSpace(ingressGateway)).To4()
		if gw == nil {
			return models.Allocation{}, models.Errorf(models.ErrValidation, "allocate", vlanUnit(vlan),
				"gateway %q is not an IPv4 address", ingressGateway)
		}
		if !subnet.Contains(gw) || !isUsableHost(subnet, gw) {
			return models.Allocation{}, models.Errorf(models.ErrValidation, "allocate", vlanUnit(vlan),
				"gateway %s is not a usable host of %s", gw, subnet)
		}
		if inWindow(alloc, gw) {
			return models.Allocation{}, models.Errorf(models.ErrValidation, "allocate", vlanUnit(vlan),
				"gateway %s lies inside the DHCP window", gw)
		}
		alloc.Gateway = gw
	}
	alloc.ServerIP = serverAddress(alloc)
	return alloc, nil
}

// AllocateRange plans every VLAN of r. The first VLAN gets ingressGateway.
func (a *Allocator) AllocateRange(r VLANRange, ingressGateway string) ([]models.Allocation, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	allocs := make([]models.Allocation, 0, r.Len())
	for i, vlan := range r.VLANs() {
		alloc, err := a.AllocateMember(vlan, i, ingressGateway)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, alloc)
	}
	return allocs, nil
}

// ValidateVLAN checks the 802.1Q id bounds.
func ValidateVLAN(vlan int) error {
	if vlan < MinVLAN || vlan > MaxVLAN {
		return models.Errorf(models.ErrValidation, "validate vlan", vlanUnit(vlan),
			"vlan id must be between %d and %d", MinVLAN, MaxVLAN)
	}
	return nil
}

func serverAddress(alloc models.Allocation) net.IP {
	candidate := append(net.IP(nil), alloc.Gateway.To4()...)
	incrementIP(candidate)
	if isUsableHost(alloc.Subnet, candidate) && !inWindow(alloc, candidate) {
		return candidate
	}
	for host := 1; host <= usableHosts; host++ {
		ip := hostAddr(alloc.Subnet, host)
		if ip.Equal(alloc.Gateway) || inWindow(alloc, ip) {
			continue
		}
		return ip
	}
	return nil
}

func inWindow(alloc models.Allocation, ip net.IP) bool {
	return compareIPs(ip, alloc.DHCPStart) >= 0 && compareIPs(ip, alloc.DHCPEnd) <= 0
}

func isUsableHost(subnet *net.IPNet, ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil || !subnet.Contains(ip4) {
		return false
	}
	return ip4[3] != 0 && ip4[3] != 255
}

func hostAddr(subnet *net.IPNet, host int) net.IP {
	ip := append(net.IP(nil), subnet.IP.To4()...)
	ip[3] = byte(host)
	return ip
}

func compareIPs(a, b net.IP) int {
	a4 := a.To4()
	b4 := b.To4()
	if a4 == nil || b4 == nil {
		return 0
	}
	return bytes.Compare(a4, b4)
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] != 0 {
			break
		}
	}
}

func parseOctet(value string) (byte, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("invalid octet %q", value)
	}
	return byte(n), nil
}

func vlanUnit(vlan int) string {
	return "vlan " + strconv.Itoa(vlan)
}
