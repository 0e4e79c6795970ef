package netstack

import (
	"testing"

	"github.com/cachpachios/nodemanager/internal/netalloc"
)

func withFakeCommands(t *testing.T) *[][]string {
	t.Helper()
	var calls [][]string
	prev := runCommand
	runCommand = func(name string, args ...string) error {
		call := append([]string{name}, args...)
		calls = append(calls, call)
		return nil
	}
	t.Cleanup(func() { runCommand = prev })
	return &calls
}

func testSlot() netalloc.Slot {
	return netalloc.Slot{Index: 3, Gateway: "172.16.0.13", Guest: "172.16.0.14", TAP: "tap3"}
}

func TestSetupPublicNATRecordsUndoPerRule(t *testing.T) {
	withFakeCommands(t)
	s, err := Bind(testSlot())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.SetupPublicNAT("eth0"); err != nil {
		t.Fatalf("setup nat: %v", err)
	}
	if got := s.UndoListLen(); got != 3 {
		t.Fatalf("undo list length = %d, want 3", got)
	}
}

func TestReclaimReplaysUndoListAndDestroysTAP(t *testing.T) {
	calls := withFakeCommands(t)
	s, err := Bind(testSlot())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.SetupPublicNAT("eth0"); err != nil {
		t.Fatalf("setup nat: %v", err)
	}
	*calls = nil
	s.Reclaim()

	if got := s.UndoListLen(); got != 0 {
		t.Fatalf("undo list length after reclaim = %d, want 0", got)
	}
	var sawDelete, sawTapDel bool
	for _, c := range *calls {
		if len(c) > 2 && c[0] == "iptables" {
			for _, a := range c {
				if a == "-D" {
					sawDelete = true
				}
			}
		}
		if len(c) >= 4 && c[0] == "ip" && c[1] == "link" && c[2] == "del" {
			sawTapDel = true
		}
	}
	if !sawDelete {
		t.Fatal("expected at least one -D (delete) iptables call during reclaim")
	}
	if !sawTapDel {
		t.Fatal("expected tap deletion during reclaim")
	}
}

func TestSetupForwardingTwiceInstallsRulesTwice(t *testing.T) {
	withFakeCommands(t)
	s, err := Bind(testSlot())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := s.SetupForwarding("eth0", 8080, 80); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := s.SetupForwarding("eth0", 8080, 80); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if got := s.UndoListLen(); got != 8 {
		t.Fatalf("undo list length = %d, want 8 (documented non-dedup behavior)", got)
	}
}
