package netprov

import (
	"context"
	"net"
)

// Host abstracts the kernel objects a VLAN segment is built from. An empty
// namespace argument addresses the host namespace.
type Host interface {
	NamespaceExists(name string) (bool, error)
	CreateNamespace(name string) error
	DeleteNamespace(name string) error
	ListNamespaces() ([]string, error)

	LinkExists(namespace, name string) (bool, error)
	CreateVethPair(name, peer string) error
	MoveToNamespace(link, namespace string) error
	DeleteLink(name string) error
	ListLinks() ([]string, error)

	AssignAddress(namespace, link string, addr *net.IPNet) error
	SetLinkUp(namespace, link string) error
	SetDefaultRoute(namespace, link string, gateway net.IP) error
}

// Switch is the subset of the virtual switch the provisioner drives.
type Switch interface {
	BridgeExists(ctx context.Context, bridge string) (bool, error)
	AddPort(ctx context.Context, bridge, port string, tag int) error
	AddInternalPort(ctx context.Context, bridge, port string, tag int) error
	DeletePort(ctx context.Context, bridge, port string) error
}
