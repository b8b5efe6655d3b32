package naming

import (
	"errors"
	"strconv"
	"testing"

	"github.com/cochaviz/slicenet/internal/models"
)

func TestResourceNames(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"namespace", Namespace("7", 100), "id7-ns100"},
		{"switch veth", SwitchVeth("7", 100), "id7-vovs100"},
		{"namespace veth", NamespaceVeth("7", 100), "id7-vns100"},
		{"gateway", GatewayPort("7", 100), "id7-gw100"},
		{"vm", VMName("7", 3), "7-VM3"},
		{"vm process", VMProcessName("7", "7-VM3"), "id7-7-VM3"},
		{"tap", TapName("7", 3, 100), "id7-3t100"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, tc.got, tc.want)
		}
	}
}

func TestLongestNamesFitInterfaceLimit(t *testing.T) {
	id := strconv.Itoa(MaxID)
	for _, name := range []string{
		SwitchVeth(id, 4094),
		NamespaceVeth(id, 4094),
		GatewayPort(id, 4094),
		TapName(id, 999, 4094),
	} {
		if len(name) > 15 {
			t.Fatalf("interface name %q exceeds 15 bytes", name)
		}
	}
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"1", "42", "9999"} {
		if err := ValidateID(id); err != nil {
			t.Fatalf("ValidateID(%q) unexpected error: %v", id, err)
		}
	}
	for _, id := range []string{"", "0", "10000", "abc", "07", "-3"} {
		err := ValidateID(id)
		if err == nil {
			t.Fatalf("ValidateID(%q) expected error", id)
		}
		if !errors.Is(err, models.ErrValidation) {
			t.Fatalf("ValidateID(%q) error should be a validation error: %v", id, err)
		}
	}
}

func TestMatchesDoesNotConfusePrefixes(t *testing.T) {
	if !Matches("1", "id1-ns100") {
		t.Fatal("expected id1-ns100 to match id 1")
	}
	if Matches("1", "id10-ns100") {
		t.Fatal("id10 resources must not match id 1")
	}
}

func TestPathsKeyedBySliceAndVLAN(t *testing.T) {
	p := Paths{RunDir: "/run/x", LeaseDir: "/lib/x"}
	if got := p.PidFile("4", 20); got != "/run/x/id4-ns20-dnsmasq.pid" {
		t.Fatalf("pid file: %s", got)
	}
	if got := p.LeaseFile("4", 20); got != "/lib/x/id4-ns20-dnsmasq.leases" {
		t.Fatalf("lease file: %s", got)
	}
	if got := p.PidGlob("4"); got != "/run/x/id4-*.pid" {
		t.Fatalf("pid glob: %s", got)
	}
}
