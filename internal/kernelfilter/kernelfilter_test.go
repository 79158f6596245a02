package kernelfilter

import (
	"testing"

	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// These tests exercise rule-table shape only. Actually loading a seccomp
// filter changes this process's own syscall allow-list irreversibly, so
// Install itself is exercised by the subprocess-harness tests in
// cmd/sandboxcore, not here.

func TestRedirectorTableRuleNamesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range redirectorTable(nil) {
		if seen[r.name] {
			t.Fatalf("duplicate rule name %q in redirector table", r.name)
		}
		seen[r.name] = true
		if r.call == "" {
			t.Fatalf("rule %q has an empty syscall name", r.name)
		}
	}
}

func TestContainedTableRuleNamesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range containedTable() {
		if seen[r.name] {
			t.Fatalf("duplicate rule name %q in contained table", r.name)
		}
		seen[r.name] = true
	}
}

func TestContainedTableHasNoUnconditionalSocketRule(t *testing.T) {
	for _, r := range containedTable() {
		if r.call == "socket" && r.cond == nil {
			t.Fatal("contained role must never allow an unconditional socket() call")
		}
	}
}

func TestInstallRedirectorRequiresEndpoint(t *testing.T) {
	err := Install(RoleRedirector, nil, nil)
	if !sandboxerr.Is(err, sandboxerr.KindInvalidArgument) {
		t.Fatalf("Install(RoleRedirector, nil, ...) error = %v, want invalid-argument", err)
	}
}

func TestRoleString(t *testing.T) {
	if RoleRedirector.String() != "redirector" {
		t.Fatalf("RoleRedirector.String() = %q", RoleRedirector.String())
	}
	if RoleContained.String() != "contained" {
		t.Fatalf("RoleContained.String() = %q", RoleContained.String())
	}
}
