package placement

import (
	"fmt"

	"github.com/cochaviz/slicenet/internal/models"
)

// AssignDisplays returns the n lowest displays in [first, last] whose port is
// not in usedPorts.
func AssignDisplays(usedPorts []int, n, first, last int) ([]int, error) {
	used := make(map[int]struct{}, len(usedPorts))
	for _, port := range usedPorts {
		used[port-models.VNCBasePort] = struct{}{}
	}

	displays := make([]int, 0, n)
	for display := first; display <= last && len(displays) < n; display++ {
		if _, taken := used[display]; taken {
			continue
		}
		displays = append(displays, display)
	}
	if len(displays) < n {
		return displays, fmt.Errorf("only %d of %d VNC displays free in [%d, %d]", len(displays), n, first, last)
	}
	return displays, nil
}
