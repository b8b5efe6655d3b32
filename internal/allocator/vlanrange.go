package allocator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cochaviz/slicenet/internal/models"
)

// VLANRange is a contiguous, inclusive run of VLAN ids.
type VLANRange struct {
	Start int
	End   int
}

// Single returns the range holding only vlan.
func Single(vlan int) VLANRange {
	return VLANRange{Start: vlan, End: vlan}
}

// ParseVLANRange accepts "start;end" or a single id.
func ParseVLANRange(value string) (VLANRange, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return VLANRange{}, models.Errorf(models.ErrValidation, "parse vlan range", "", "vlan range is required")
	}
	parts := strings.Split(value, ";")
	if len(parts) > 2 {
		return VLANRange{}, models.Errorf(models.ErrValidation, "parse vlan range", value, "expected format start;end")
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return VLANRange{}, models.Errorf(models.ErrValidation, "parse vlan range", value, "invalid start vlan %q", parts[0])
	}
	end := start
	if len(parts) == 2 {
		end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return VLANRange{}, models.Errorf(models.ErrValidation, "parse vlan range", value, "invalid end vlan %q", parts[1])
		}
	}
	r := VLANRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return VLANRange{}, err
	}
	return r, nil
}

// Validate checks bounds and ordering.
func (r VLANRange) Validate() error {
	if err := ValidateVLAN(r.Start); err != nil {
		return err
	}
	if err := ValidateVLAN(r.End); err != nil {
		return err
	}
	if r.Start > r.End {
		return models.Errorf(models.ErrValidation, "validate vlan range", r.String(),
			"start vlan %d is greater than end vlan %d", r.Start, r.End)
	}
	return nil
}

// Len is the number of VLANs in r.
func (r VLANRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// VLANs lists the ids in ascending order.
func (r VLANRange) VLANs() []int {
	vlans := make([]int, 0, r.Len())
	for v := r.Start; v <= r.End; v++ {
		vlans = append(vlans, v)
	}
	return vlans
}

// Offset is the position of vlan inside r, or -1.
func (r VLANRange) Offset(vlan int) int {
	if vlan < r.Start || vlan > r.End {
		return -1
	}
	return vlan - r.Start
}

func (r VLANRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d;%d", r.Start, r.End)
}
