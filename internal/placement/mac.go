package placement

import (
	"crypto/sha1"
	"fmt"
)

// MACAddress derives a stable locally administered unicast MAC from seed,
// usually the VM process name.
func MACAddress(seed string) string {
	sum := sha1.Sum([]byte(seed))
	mac := []byte{0x52, 0x54, 0x00, sum[0], sum[1], sum[2]}
	mac[0] = (mac[0] | 0x02) & 0xfe
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
