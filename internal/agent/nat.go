package agent

import (
	"fmt"
	"os/exec"
	"strings"
)

// natController enables and verifies OS-level forwarding and masquerade on
// the egress interface. Linux only; commands run through the shell tools the
// host already has.
type natController struct {
	iface string
	// skip disables all system mutation, for tests and API-only deployments.
	skip bool

	enabled bool
}

func newNATController(iface string, skip bool) *natController {
	if iface == "" {
		iface = "eth0"
	}
	return &natController{iface: iface, skip: skip}
}

// Enable turns on IP forwarding and installs the masquerade rule. Failure is
// fatal to agent startup.
func (n *natController) Enable() error {
	if n.skip {
		n.enabled = true
		return nil
	}
	if out, err := exec.Command("sysctl", "-w", "net.ipv4.ip_forward=1").CombinedOutput(); err != nil {
		return fmt.Errorf("enable ip forwarding: %v (%s)", err, strings.TrimSpace(string(out)))
	}
	// -C then -A keeps the rule idempotent across restarts.
	check := exec.Command("iptables", "-t", "nat", "-C", "POSTROUTING", "-o", n.iface, "-j", "MASQUERADE")
	if check.Run() != nil {
		add := exec.Command("iptables", "-t", "nat", "-A", "POSTROUTING", "-o", n.iface, "-j", "MASQUERADE")
		if out, err := add.CombinedOutput(); err != nil {
			return fmt.Errorf("install masquerade rule: %v (%s)", err, strings.TrimSpace(string(out)))
		}
	}
	n.enabled = true
	return nil
}

// Disable removes the masquerade rule. Forwarding is left on; other tenants
// may depend on it.
func (n *natController) Disable() error {
	if n.skip {
		n.enabled = false
		return nil
	}
	del := exec.Command("iptables", "-t", "nat", "-D", "POSTROUTING", "-o", n.iface, "-j", "MASQUERADE")
	if out, err := del.CombinedOutput(); err != nil {
		return fmt.Errorf("remove masquerade rule: %v (%s)", err, strings.TrimSpace(string(out)))
	}
	n.enabled = false
	return nil
}

// Verify reports whether forwarding and the masquerade rule are in place.
func (n *natController) Verify() bool {
	if n.skip {
		return n.enabled
	}
	out, err := exec.Command("sysctl", "-n", "net.ipv4.ip_forward").Output()
	if err != nil || strings.TrimSpace(string(out)) != "1" {
		return false
	}
	check := exec.Command("iptables", "-t", "nat", "-C", "POSTROUTING", "-o", n.iface, "-j", "MASQUERADE")
	return check.Run() == nil
}

// verifyRouting checks that the default route is present.
func verifyRouting(skip bool) bool {
	if skip {
		return true
	}
	out, err := exec.Command("ip", "route", "show", "default").Output()
	return err == nil && len(strings.TrimSpace(string(out))) > 0
}
