// Package netstack owns the per-machine network resources: a bound TAP
// device plus the iptables rules installed on its behalf, tracked as an
// append-only undo list so that reclamation can replay deletions in
// reverse regardless of how many rule-installing calls succeeded before a
// failure. Grounded on the teacher's internal/firecracker network.go
// (createTAP/deleteTAP/ensureBridge) generalized from a single shared
// bridge into one rule-undo list per machine, per spec §4.3.
package netstack

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/cachpachios/nodemanager/internal/logging"
	"github.com/cachpachios/nodemanager/internal/netalloc"
)

// runCommand runs both ip and iptables and is overridable in tests so that
// reclaim/install logic can be exercised without a real network namespace.
var (
	runCommand = func(name string, args ...string) error {
		out, err := exec.Command(name, args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("%s %v: %s: %w", name, args, out, err)
		}
		return nil
	}
)

// ruleArgs is one iptables invocation recorded so it can be undone by
// swapping its leading verb (-A/-I <-> -D).
type ruleArgs []string

// Stack is the owned network-resource bundle for a single machine: its
// allocated slot, the bound TAP device, and the rules installed on its
// behalf, each paired with the exact argument vector that undoes it.
type Stack struct {
	mu       sync.Mutex
	slot     netalloc.Slot
	tapUp    bool
	undoList []ruleArgs
}

// Bind creates the TAP device for slot, assigns the gateway address to it
// with a /30 mask, and brings it up. On any failure the TAP is destroyed
// before returning.
func Bind(slot netalloc.Slot) (*Stack, error) {
	if err := runCommand("ip", "tuntap", "add", slot.TAP, "mode", "tap"); err != nil {
		return nil, fmt.Errorf("netstack: create tap: %w", err)
	}
	s := &Stack{slot: slot}
	if err := runCommand("ip", "addr", "add", slot.Gateway+"/30", "dev", slot.TAP); err != nil {
		s.destroyTAP()
		return nil, fmt.Errorf("netstack: assign tap address: %w", err)
	}
	if err := runCommand("ip", "link", "set", slot.TAP, "up"); err != nil {
		s.destroyTAP()
		return nil, fmt.Errorf("netstack: bring up tap: %w", err)
	}
	s.tapUp = true
	return s, nil
}

// Slot returns the network slot owned by this stack.
func (s *Stack) Slot() netalloc.Slot {
	return s.slot
}

// SetupPublicNAT appends three rules in order: masquerade the guest
// address on the outbound interface, accept RELATED,ESTABLISHED on the
// forward chain, and accept forwarding from the TAP to the outbound
// interface. Each appended rule's delete twin is recorded before the next
// is attempted, so a mid-sequence failure still leaves a replayable undo
// list.
func (s *Stack) SetupPublicNAT(outboundIf string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := [][]string{
		{"-t", "nat", "-A", "POSTROUTING", "-s", s.slot.Guest + "/32", "-o", outboundIf, "-j", "MASQUERADE"},
		{"-A", "FORWARD", "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
		{"-A", "FORWARD", "-i", s.slot.TAP, "-o", outboundIf, "-j", "ACCEPT"},
	}
	return s.installAll(rules)
}

// SetupForwarding installs DNAT on prerouting (host_port -> guest:guest_port),
// masquerade on postrouting for the TAP, and two forward-chain accepts,
// each with a delete twin recorded. The first accept matches new TCP
// traffic to guest:guest_port and is not qualified by connection state;
// only the second (ESTABLISHED,RELATED) is.
func (s *Stack) SetupForwarding(inboundIf string, hostPort, guestPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := fmt.Sprintf("%s:%d", s.slot.Guest, guestPort)
	rules := [][]string{
		{"-t", "nat", "-A", "PREROUTING", "-i", inboundIf, "-p", "tcp", "--dport", fmt.Sprintf("%d", hostPort), "-j", "DNAT", "--to-destination", dest},
		{"-t", "nat", "-A", "POSTROUTING", "-o", s.slot.TAP, "-j", "MASQUERADE"},
		{"-A", "FORWARD", "-p", "tcp", "-d", s.slot.Guest, "--dport", fmt.Sprintf("%d", guestPort), "-j", "ACCEPT"},
		{"-A", "FORWARD", "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
	}
	return s.installAll(rules)
}

// installAll runs each rule and records its delete twin before moving to
// the next, so a failure partway through still leaves a fully replayable
// undo list for the rules that did succeed.
func (s *Stack) installAll(rules [][]string) error {
	for _, rule := range rules {
		if err := runCommand("iptables", rule...); err != nil {
			return fmt.Errorf("netstack: install rule %v: %w", rule, err)
		}
		s.undoList = append(s.undoList, undoTwin(rule))
	}
	return nil
}

// undoTwin flips the first -A/-I flag encountered to -D, producing the
// argument vector that deletes exactly the rule just installed.
func undoTwin(rule []string) ruleArgs {
	twin := make([]string, len(rule))
	copy(twin, rule)
	for i, arg := range twin {
		if arg == "-A" || arg == "-I" {
			twin[i] = "-D"
			break
		}
	}
	return twin
}

// Reclaim replays the undo list in reverse (best-effort, failures logged)
// and destroys the TAP device. A subsequent call replays no rules but
// attempts the TAP deletion again; that failure is only logged.
func (s *Stack) Reclaim() {
	s.mu.Lock()
	undo := s.undoList
	s.undoList = nil
	s.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		if err := runCommand("iptables", undo[i]...); err != nil {
			logging.Op().Warn("netstack: rule undo failed", "rule", undo[i], "error", err)
		}
	}
	s.destroyTAP()
}

func (s *Stack) destroyTAP() {
	if !s.tapUp && s.slot.TAP == "" {
		return
	}
	if err := runCommand("ip", "link", "del", s.slot.TAP); err != nil {
		logging.Op().Warn("netstack: tap deletion failed", "tap", s.slot.TAP, "error", err)
	}
	s.tapUp = false
}

// UndoListLen exposes the number of pending undo entries, used by tests to
// assert the invariant that every installed rule has exactly one undo
// entry.
func (s *Stack) UndoListLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undoList)
}
