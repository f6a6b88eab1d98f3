package transform

import (
	"strings"
	"testing"

	"aspyx/internal/config"
)

func TestCompactEnhancer_AppendsPreamble(t *testing.T) {
	ce := NewCompactEnhancer(config.CompactEnhancerConfig{Preamble: "Preserve open tasks."})
	in := body("Summarize the conversation. isCompactSummary")
	res := ce.Apply(Context{}, in)
	if res.Outcome != Modified {
		t.Fatalf("Outcome = %v", res.Outcome)
	}
	got := lastContent(t, res.Body)
	if !strings.HasSuffix(got, "Preserve open tasks.") {
		t.Errorf("Preamble missing: %q", got)
	}
}

func TestCompactEnhancer_TopLevelFlag(t *testing.T) {
	ce := NewCompactEnhancer(config.CompactEnhancerConfig{Preamble: "P"})
	in := []byte(`{"compact":true,"messages":[{"role":"user","content":"summarize"}]}`)
	res := ce.Apply(Context{}, in)
	if res.Outcome != Modified {
		t.Errorf("Outcome = %v", res.Outcome)
	}
}

func TestCompactEnhancer_SkipsNormalRequests(t *testing.T) {
	ce := NewCompactEnhancer(config.CompactEnhancerConfig{Preamble: "P"})
	res := ce.Apply(Context{}, body("just a question"))
	if res.Outcome != Unchanged {
		t.Errorf("Outcome = %v", res.Outcome)
	}
}

func TestCompactEnhancer_EmptyPreambleIsNoop(t *testing.T) {
	ce := NewCompactEnhancer(config.CompactEnhancerConfig{})
	res := ce.Apply(Context{}, body("isCompactSummary"))
	if res.Outcome != Unchanged {
		t.Errorf("Outcome = %v", res.Outcome)
	}
}
