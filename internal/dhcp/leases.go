package dhcp

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lease is one entry of a dnsmasq lease file.
type Lease struct {
	Expires  time.Time `json:"expires"`
	MAC      string    `json:"mac"`
	IP       net.IP    `json:"ip"`
	Hostname string    `json:"hostname,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
}

// ReadLeases parses the lease file at path. A missing file holds no leases.
func ReadLeases(path string) ([]Lease, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var leases []Lease
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] == "duid" {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s:%d: malformed lease", path, lineNo)
		}
		expiry, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid expiry %q", path, lineNo, fields[0])
		}
		lease := Lease{
			MAC: strings.ToLower(fields[1]),
			IP:  net.ParseIP(fields[2]),
		}
		if expiry > 0 {
			lease.Expires = time.Unix(expiry, 0).UTC()
		}
		if len(fields) > 3 && fields[3] != "*" {
			lease.Hostname = fields[3]
		}
		if len(fields) > 4 && fields[4] != "*" {
			lease.ClientID = fields[4]
		}
		leases = append(leases, lease)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return leases, nil
}
