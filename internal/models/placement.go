package models

import "time"

// VNCBasePort is the TCP port of VNC display 0.
const VNCBasePort = 5900

// VMStatus is the outcome of a placement attempt.
type VMStatus string

const (
	VMRequested VMStatus = "requested"
	VMCreated   VMStatus = "created"
	VMFailed    VMStatus = "failed"
)

// Worker is a configured host capable of running VMs.
type Worker struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Reachable bool   `json:"reachable"`
	VMCount   int    `json:"vm_count"`
}

// VM is a placed workload. The orchestrator only tracks the creation attempt.
type VM struct {
	Name       string    `json:"name"`
	SliceID    string    `json:"slice_id"`
	VLAN       int       `json:"vlan_id"`
	Worker     string    `json:"worker"`
	VNCDisplay int       `json:"vnc_display,omitempty"`
	VNCPort    int       `json:"vnc_port,omitempty"`
	Image      string    `json:"image"`
	Status     VMStatus  `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Flavor describes the hardware handed to the hypervisor agent.
type Flavor struct {
	CPUs   int    `json:"cpus" yaml:"cpus"`
	Memory string `json:"memory" yaml:"memory"`
	Disk   string `json:"disk" yaml:"disk"`
}

// DefaultFlavor mirrors the smallest profile offered to tenants.
var DefaultFlavor = Flavor{CPUs: 1, Memory: "512M", Disk: "1G"}
