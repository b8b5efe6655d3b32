package models

import (
	"net"
	"time"
)

// Allocation is the address plan derived for one VLAN.
type Allocation struct {
	VLAN      int
	Subnet    *net.IPNet
	Gateway   net.IP
	DHCPStart net.IP
	DHCPEnd   net.IP
	// ServerIP is the address of the DHCP server inside the namespace.
	ServerIP  net.IP
}

// Netmask renders the subnet mask in dotted form, as dnsmasq expects it.
func (a Allocation) Netmask() string {
	if a.Subnet == nil {
		return ""
	}
	return net.IP(a.Subnet.Mask).String()
}

// PrefixLength returns the subnet prefix length.
func (a Allocation) PrefixLength() int {
	if a.Subnet == nil {
		return 0
	}
	ones, _ := a.Subnet.Mask.Size()
	return ones
}

// SegmentState names a step in the provisioning state machine.
type SegmentState string

const (
	StateAbsent           SegmentState = "absent"
	StateNamespaceCreated SegmentState = "namespace_created"
	StateLinkAttached     SegmentState = "link_attached"
	StateSwitchPorted     SegmentState = "switch_ported"
	StateAddressed        SegmentState = "addressed"
	StateUp               SegmentState = "up"
)

// VLANSegment is one isolated network owned by a slice.
type VLANSegment struct {
	SliceID         string       `json:"slice_id"`
	VLAN            int          `json:"vlan_id"`
	Subnet          string       `json:"subnet"`
	Gateway         string       `json:"gateway_ip"`
	DHCPStart       string       `json:"dhcp_start"`
	DHCPEnd         string       `json:"dhcp_end"`
	ServerIP        string       `json:"server_ip"`
	Namespace       string       `json:"namespace"`
	Switch          string       `json:"switch"`
	SwitchPorts     []string     `json:"switch_ports"`
	DHCPPid         int          `json:"dhcp_pid,omitempty"`
	PidFile         string       `json:"pid_file,omitempty"`
	LeaseFile       string       `json:"lease_file,omitempty"`
	InternetEnabled bool         `json:"internet_enabled"`
	State           SegmentState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Slice is a tenant deployment unit.
type Slice struct {
	ID        string        `json:"id"`
	Switch    string        `json:"switch"`
	Segments  []VLANSegment `json:"segments"`
	VMs       []VM          `json:"vms"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
