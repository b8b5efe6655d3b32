package netprov

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// NetnsDir is where named namespaces are bind-mounted by iproute2 and netns.
var NetnsDir = "/var/run/netns"

// NetlinkHost implements Host with netlink and named network namespaces.
type NetlinkHost struct{}

var _ Host = NetlinkHost{}

func (NetlinkHost) NamespaceExists(name string) (bool, error) {
	ns, err := netns.GetFromName(name)
	if err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("get netns %s: %w", name, err)
	}
	_ = ns.Close()
	return true, nil
}

var (
	lockThread    = runtime.LockOSThread
	unlockThread  = runtime.UnlockOSThread
	currentNetns  = netns.Get
	newNamedNetns = netns.NewNamed
	setNetns      = netns.Set
)

// CreateNamespace creates a named namespace without leaving any thread
// inside it. The work runs on its own goroutine: if switching back fails,
// that goroutine exits still locked and the runtime discards its thread.
func (NetlinkHost) CreateNamespace(name string) error {
	errc := make(chan error, 1)
	go func() { errc <- createNamespace(name) }()
	return <-errc
}

func createNamespace(name string) error {
	lockThread()

	origin, err := currentNetns()
	if err != nil {
		unlockThread()
		return fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	ns, createErr := newNamedNetns(name)
	if createErr == nil {
		_ = ns.Close()
	}
	if err := setNetns(origin); err != nil {
		// the thread is stuck in another namespace; keep it locked
		return errors.Join(createErr, fmt.Errorf("restore netns after creating %s: %w", name, err))
	}
	unlockThread()

	if createErr != nil {
		return fmt.Errorf("create netns %s: %w", name, createErr)
	}
	return nil
}

func (NetlinkHost) DeleteNamespace(name string) error {
	if err := netns.DeleteNamed(name); err != nil {
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete netns %s: %w", name, err)
	}
	return nil
}

func (NetlinkHost) ListNamespaces() ([]string, error) {
	entries, err := os.ReadDir(NetnsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", NetnsDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (h NetlinkHost) LinkExists(namespace, name string) (bool, error) {
	handle, closeFn, err := h.handle(namespace)
	if err != nil {
		return false, err
	}
	defer closeFn()
	if _, err := handle.LinkByName(name); err != nil {
		if isLinkNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("lookup %s: %w", name, err)
	}
	return true, nil
}

func (NetlinkHost) CreateVethPair(name, peer string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{
			Name: name,
		},
		PeerName: peer,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("create veth %s/%s: %w", name, peer, err)
	}
	return nil
}

func (NetlinkHost) MoveToNamespace(link, namespace string) error {
	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("get netns %s: %w", namespace, err)
	}
	defer ns.Close()

	l, err := netlink.LinkByName(link)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", link, err)
	}
	if err := netlink.LinkSetNsFd(l, int(ns)); err != nil {
		return fmt.Errorf("move %s to %s: %w", link, namespace, err)
	}
	return nil
}

func (NetlinkHost) DeleteLink(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	if err := netlink.LinkDel(l); err != nil && !isLinkNotFound(err) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (NetlinkHost) ListLinks() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	return names, nil
}

func (h NetlinkHost) AssignAddress(namespace, link string, addr *net.IPNet) error {
	handle, closeFn, err := h.handle(namespace)
	if err != nil {
		return err
	}
	defer closeFn()

	l, err := handle.LinkByName(link)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", link, err)
	}
	existing, err := handle.AddrList(l, unix.AF_INET)
	if err != nil {
		return fmt.Errorf("list addresses of %s: %w", link, err)
	}
	for _, a := range existing {
		if a.IP.Equal(addr.IP) && bytesEqualMask(a.Mask, addr.Mask) {
			return nil
		}
	}
	if err := handle.AddrAdd(l, &netlink.Addr{IPNet: addr}); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("add %s to %s: %w", addr, link, err)
	}
	return nil
}

func (h NetlinkHost) SetLinkUp(namespace, link string) error {
	handle, closeFn, err := h.handle(namespace)
	if err != nil {
		return err
	}
	defer closeFn()

	l, err := handle.LinkByName(link)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", link, err)
	}
	if err := handle.LinkSetUp(l); err != nil {
		return fmt.Errorf("bring %s up: %w", link, err)
	}
	return nil
}

func (h NetlinkHost) SetDefaultRoute(namespace, link string, gateway net.IP) error {
	handle, closeFn, err := h.handle(namespace)
	if err != nil {
		return err
	}
	defer closeFn()

	l, err := handle.LinkByName(link)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", link, err)
	}
	if err := handle.RouteReplace(&netlink.Route{
		LinkIndex: l.Attrs().Index,
		Gw:        gateway,
	}); err != nil {
		return fmt.Errorf("default route via %s: %w", gateway, err)
	}
	return nil
}

// handle returns a netlink handle bound to namespace, or to the host namespace
// when namespace is empty.
func (NetlinkHost) handle(namespace string) (*netlink.Handle, func(), error) {
	if namespace == "" {
		handle, err := netlink.NewHandle()
		if err != nil {
			return nil, nil, fmt.Errorf("host netlink handle: %w", err)
		}
		return handle, handle.Close, nil
	}
	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("get netns %s: %w", namespace, err)
	}
	handle, err := netlink.NewHandleAt(ns)
	if err != nil {
		_ = ns.Close()
		return nil, nil, fmt.Errorf("handle for ns %s: %w", namespace, err)
	}
	return handle, func() {
		handle.Close()
		_ = ns.Close()
	}, nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func bytesEqualMask(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
