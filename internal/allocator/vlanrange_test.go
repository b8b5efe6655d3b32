package allocator

import (
	"errors"
	"testing"

	"github.com/cochaviz/slicenet/internal/models"
)

func TestParseVLANRange(t *testing.T) {
	cases := []struct {
		input string
		want  VLANRange
	}{
		{"100", VLANRange{Start: 100, End: 100}},
		{"100;105", VLANRange{Start: 100, End: 105}},
		{" 1 ; 4094 ", VLANRange{Start: 1, End: 4094}},
	}
	for _, tc := range cases {
		got, err := ParseVLANRange(tc.input)
		if err != nil {
			t.Fatalf("ParseVLANRange(%q) unexpected error: %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseVLANRange(%q) = %+v, want %+v", tc.input, got, tc.want)
		}
	}
}

func TestParseVLANRangeErrors(t *testing.T) {
	for _, input := range []string{"", "abc", "1;2;3", "10;5", "0", "4095", "5;x"} {
		_, err := ParseVLANRange(input)
		if !errors.Is(err, models.ErrValidation) {
			t.Fatalf("ParseVLANRange(%q) expected validation error, got %v", input, err)
		}
	}
}

func TestVLANRangeHelpers(t *testing.T) {
	r := VLANRange{Start: 10, End: 12}
	if r.Len() != 3 {
		t.Fatalf("Len = %d", r.Len())
	}
	vlans := r.VLANs()
	if len(vlans) != 3 || vlans[0] != 10 || vlans[2] != 12 {
		t.Fatalf("VLANs = %v", vlans)
	}
	if r.Offset(11) != 1 || r.Offset(13) != -1 {
		t.Fatalf("unexpected offsets")
	}
	if r.String() != "10;12" || Single(7).String() != "7" {
		t.Fatalf("unexpected string forms %q %q", r.String(), Single(7).String())
	}
}
