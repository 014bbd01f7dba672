package ports

import (
	"testing"
)

func TestAll_HasNoClause(t *testing.T) {
	pred := All()
	if pred.Clause != "" || len(pred.Args) != 0 {
		t.Errorf("All must be unconstrained, got %+v", pred)
	}
}

func TestByExternalKeys_BindsKeysAsOneArg(t *testing.T) {
	keys := []string{"CVE-2026-1", "CVE-2026-2"}
	pred := ByExternalKeys(keys)
	if len(pred.Args) != 1 {
		t.Fatalf("expected one bound argument, got %d", len(pred.Args))
	}
	if got := pred.Args[0].([]string); len(got) != 2 {
		t.Errorf("expected both keys bound, got %v", got)
	}
}

func TestByPrefixExcludingKeys(t *testing.T) {
	prefixes := []string{"CVE-2026-1:%"}

	pred := ByPrefixExcludingKeys(prefixes, []string{"CVE-2026-1:keep"})
	if len(pred.Args) != 2 {
		t.Fatalf("expected prefixes and keep list bound, got %d args", len(pred.Args))
	}
	if pred.Clause != "payload->>'external_key' LIKE ANY($1) AND NOT (payload->>'external_key' = ANY($2))" {
		t.Errorf("unexpected clause: %s", pred.Clause)
	}

	// With nothing to keep, the whole prefix group matches.
	pred = ByPrefixExcludingKeys(prefixes, nil)
	if len(pred.Args) != 1 {
		t.Fatalf("expected only prefixes bound, got %d args", len(pred.Args))
	}
	if pred.Clause != "payload->>'external_key' LIKE ANY($1)" {
		t.Errorf("unexpected clause: %s", pred.Clause)
	}
}
