package gc

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/cochaviz/slicenet/internal/dhcp"
	"github.com/cochaviz/slicenet/internal/naming"
)

// DHCPProcess is a DHCP server found for an identifier.
type DHCPProcess struct {
	PidFile string `json:"pid_file,omitempty"`
	Pid     int    `json:"pid"`
	Alive   bool   `json:"alive"`
}

// Inventory is everything currently present for an identifier.
type Inventory struct {
	ID         string        `json:"id"`
	Namespaces []string      `json:"namespaces"`
	Ports      []string      `json:"ports"`
	Links      []string      `json:"links"`
	Processes  []DHCPProcess `json:"processes"`
	LeaseFiles []string      `json:"lease_files"`
	Rules      []string      `json:"rules"`
}

// Empty reports whether nothing of the identifier exists.
func (i Inventory) Empty() bool {
	alive := 0
	for _, p := range i.Processes {
		if p.Alive {
			alive++
		}
	}
	return len(i.Namespaces)+len(i.Ports)+len(i.Links)+len(i.LeaseFiles)+len(i.Rules)+alive == 0
}

// Status lists the resources of id by name without changing anything. An
// empty bridge scans every bridge. Discovery errors are joined and returned
// next to whatever could be listed.
func (c *Collector) Status(ctx context.Context, id, bridge string) (Inventory, error) {
	if err := naming.ValidateID(id); err != nil {
		return Inventory{}, err
	}
	prefix := naming.Prefix(id)
	inv := Inventory{ID: id}
	var errs []error
	var err error

	if inv.Namespaces, err = c.namespaces(prefix); err != nil {
		errs = append(errs, err)
	}
	ports, err := c.ports(ctx, prefix, bridge)
	if err != nil {
		errs = append(errs, err)
	}
	for _, port := range sortedKeys(ports) {
		inv.Ports = append(inv.Ports, ports[port]+"/"+port)
	}
	if inv.Links, err = c.links(prefix); err != nil {
		errs = append(errs, err)
	}

	pidFiles, err := filepath.Glob(c.Paths.PidGlob(id))
	if err != nil {
		errs = append(errs, err)
	}
	for _, file := range pidFiles {
		pid, err := dhcp.ReadPidFile(file)
		if err != nil {
			inv.Processes = append(inv.Processes, DHCPProcess{PidFile: file})
			continue
		}
		inv.Processes = append(inv.Processes, DHCPProcess{PidFile: file, Pid: pid, Alive: processAlive(pid)})
	}
	if inv.LeaseFiles, err = filepath.Glob(c.Paths.LeaseGlob(id)); err != nil {
		errs = append(errs, err)
	}

	if c.Rules != nil {
		rules, err := c.Rules.TaggedRules(ctx, prefix)
		if err != nil {
			errs = append(errs, err)
		}
		for _, rule := range rules {
			inv.Rules = append(inv.Rules, rule.String())
		}
	}
	return inv, errors.Join(errs...)
}
