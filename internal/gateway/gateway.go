// Package gateway toggles Internet egress for VLAN segments with iptables
// NAT and forwarding rules.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/models"
)

// errNoMatch is returned by iptablesCommand when a -C check finds no rule.
var errNoMatch = errors.New("no matching rule")

var (
	iptablesCommand = func(ctx context.Context, args ...string) ([]byte, error) {
		full := append([]string{"-w"}, args...)
		cmd := exec.CommandContext(ctx, "iptables", full...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && containsCheck(args) {
				return output, errNoMatch
			}
			return output, fmt.Errorf("iptables %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
		}
		return output, nil
	}
	defaultRouteInterface = func() (string, error) {
		routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
		if err != nil {
			return "", fmt.Errorf("list routes: %w", err)
		}
		for _, route := range routes {
			if route.Dst != nil {
				if ones, _ := route.Dst.Mask.Size(); ones != 0 {
					continue
				}
			}
			link, err := netlink.LinkByIndex(route.LinkIndex)
			if err != nil {
				return "", fmt.Errorf("lookup default route link %d: %w", route.LinkIndex, err)
			}
			return link.Attrs().Name, nil
		}
		return "", errors.New("no IPv4 default route")
	}
	interfaceExists = func(name string) (bool, error) {
		if _, err := netlink.LinkByName(name); err != nil {
			var notFound netlink.LinkNotFoundError
			if errors.As(err, &notFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	ipForwardPath = "/proc/sys/net/ipv4/ip_forward"
)

// Target is the VLAN whose egress is toggled.
type Target struct {
	VLAN             int
	Subnet           string
	GatewayInterface string
}

// Rule is one iptables rule owned by a target.
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

func (r Rule) String() string {
	return fmt.Sprintf("%s/%s %s", r.Table, r.Chain, strings.Join(r.Spec, " "))
}

// RuleAction is what Enable or Disable did with a rule.
type RuleAction string

const (
	RuleAdded   RuleAction = "added"
	RulePresent RuleAction = "already-present"
	RuleRemoved RuleAction = "removed"
	RuleAbsent  RuleAction = "already-absent"
)

// RuleResult pairs a rule with the action taken.
type RuleResult struct {
	Rule   string     `json:"rule"`
	Action RuleAction `json:"action"`
}

// Controller installs and removes egress rules.
type Controller struct {
	// External overrides default route detection when set.
	External string
	Logger   *slog.Logger
}

// NewController returns a controller detecting the external interface from
// the default route.
func NewController(logger *slog.Logger) *Controller {
	return &Controller{Logger: logger}
}

func (c *Controller) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

// ExternalInterface returns the interface carrying the host's default route.
func (c *Controller) ExternalInterface() (string, error) {
	if c.External != "" {
		return c.External, nil
	}
	name, err := defaultRouteInterface()
	if err != nil {
		return "", models.Wrap(models.ErrDependencyMissing, "detect external interface", "", err)
	}
	return name, nil
}

// Rules lists the source NAT rule and the two forwarding rules of t, each
// tagged with the gateway interface name so they can be found by prefix.
func Rules(t Target, external string) []Rule {
	comment := []string{"-m", "comment", "--comment", t.GatewayInterface}
	return []Rule{
		{
			Table: "nat",
			Chain: "POSTROUTING",
			Spec:  append([]string{"-s", t.Subnet, "-o", external}, append(comment, "-j", "MASQUERADE")...),
		},
		{
			Table: "filter",
			Chain: "FORWARD",
			Spec:  append([]string{"-i", t.GatewayInterface, "-o", external}, append(comment, "-j", "ACCEPT")...),
		},
		{
			Table: "filter",
			Chain: "FORWARD",
			Spec: append([]string{"-i", external, "-o", t.GatewayInterface, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED"},
				append(comment, "-j", "ACCEPT")...),
		},
	}
}

// Enable installs the egress rules of t, skipping rules that already exist.
func (c *Controller) Enable(ctx context.Context, t Target) ([]RuleResult, error) {
	unit := fmt.Sprintf("vlan %d", t.VLAN)
	if t.Subnet == "" || t.GatewayInterface == "" {
		return nil, models.Errorf(models.ErrValidation, "enable internet", unit, "subnet and gateway interface are required")
	}
	exists, err := interfaceExists(t.GatewayInterface)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", t.GatewayInterface, err)
	}
	if !exists {
		return nil, models.Errorf(models.ErrDependencyMissing, "enable internet", unit, "gateway interface %s does not exist", t.GatewayInterface)
	}
	external, err := c.ExternalInterface()
	if err != nil {
		return nil, err
	}
	if err := enableForwarding(); err != nil {
		return nil, err
	}

	logger := c.logger().With("vlan", t.VLAN, "gateway_interface", t.GatewayInterface, "external", external)
	var results []RuleResult
	for _, rule := range Rules(t, external) {
		present, err := ruleExists(ctx, rule)
		if err != nil {
			return results, err
		}
		if present {
			logger.Info("rule already present; skipping", "rule", rule.String())
			results = append(results, RuleResult{Rule: rule.String(), Action: RulePresent})
			continue
		}
		if _, err := iptablesCommand(ctx, append([]string{"-t", rule.Table, "-A", rule.Chain}, rule.Spec...)...); err != nil {
			return results, err
		}
		logger.Debug("rule added", "rule", rule.String())
		results = append(results, RuleResult{Rule: rule.String(), Action: RuleAdded})
	}
	return results, nil
}

// Disable removes the egress rules of t that exist. Missing rules are skipped.
func (c *Controller) Disable(ctx context.Context, t Target) ([]RuleResult, error) {
	if t.Subnet == "" || t.GatewayInterface == "" {
		return nil, models.Errorf(models.ErrValidation, "disable internet", fmt.Sprintf("vlan %d", t.VLAN), "subnet and gateway interface are required")
	}
	external, err := c.ExternalInterface()
	if err != nil {
		return nil, err
	}

	logger := c.logger().With("vlan", t.VLAN, "gateway_interface", t.GatewayInterface, "external", external)
	var results []RuleResult
	for _, rule := range Rules(t, external) {
		present, err := ruleExists(ctx, rule)
		if err != nil {
			return results, err
		}
		if !present {
			logger.Debug("rule already absent", "rule", rule.String())
			results = append(results, RuleResult{Rule: rule.String(), Action: RuleAbsent})
			continue
		}
		if _, err := iptablesCommand(ctx, append([]string{"-t", rule.Table, "-D", rule.Chain}, rule.Spec...)...); err != nil {
			return results, err
		}
		results = append(results, RuleResult{Rule: rule.String(), Action: RuleRemoved})
	}
	return results, nil
}

var taggedChains = []struct {
	table string
	chain string
}{
	{table: "nat", chain: "POSTROUTING"},
	{table: "filter", chain: "FORWARD"},
}

// TaggedRules lists rules whose comment starts with prefix, in -S form.
func (c *Controller) TaggedRules(ctx context.Context, prefix string) ([]Rule, error) {
	var rules []Rule
	for _, tc := range taggedChains {
		output, err := iptablesCommand(ctx, "-t", tc.table, "-S", tc.chain)
		if err != nil {
			return rules, err
		}
		scanner := bufio.NewScanner(bytes.NewReader(output))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 2 || fields[0] != "-A" || !hasCommentPrefix(fields, prefix) {
				continue
			}
			spec := make([]string, 0, len(fields)-2)
			for _, field := range fields[2:] {
				spec = append(spec, strings.Trim(field, `"`))
			}
			rules = append(rules, Rule{Table: tc.table, Chain: fields[1], Spec: spec})
		}
		if err := scanner.Err(); err != nil {
			return rules, err
		}
	}
	return rules, nil
}

// RemoveTagged deletes every rule whose comment starts with prefix and
// returns how many were removed.
func (c *Controller) RemoveTagged(ctx context.Context, prefix string) (int, error) {
	rules, err := c.TaggedRules(ctx, prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, rule := range rules {
		if _, err := iptablesCommand(ctx, append([]string{"-t", rule.Table, "-D", rule.Chain}, rule.Spec...)...); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger().Debug("tagged rule removed", "rule", rule.String())
		removed++
	}
	return removed, errors.Join(errs...)
}

func ruleExists(ctx context.Context, rule Rule) (bool, error) {
	_, err := iptablesCommand(ctx, append([]string{"-t", rule.Table, "-C", rule.Chain}, rule.Spec...)...)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errNoMatch) {
		return false, nil
	}
	return false, err
}

func enableForwarding() error {
	current, err := os.ReadFile(ipForwardPath)
	if err == nil && strings.TrimSpace(string(current)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	return nil
}

func hasCommentPrefix(fields []string, prefix string) bool {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "--comment" && strings.HasPrefix(strings.Trim(fields[i+1], `"`), prefix) {
			return true
		}
	}
	return false
}

func containsCheck(args []string) bool {
	for _, arg := range args {
		if arg == "-C" {
			return true
		}
	}
	return false
}
