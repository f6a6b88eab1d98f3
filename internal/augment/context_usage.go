package augment

import (
	"fmt"
	"strings"
)

// ContextUsageWarner injects a synthetic text block warning the user as
// conversation context approaches the configured limit. It fires at most
// once per configured threshold and never re-warns for a threshold already
// crossed, even if usage later drops (e.g. after a compaction) and climbs
// back past it.
type ContextUsageWarner struct {
	Thresholds []int
}

func NewContextUsageWarner(thresholds []int) *ContextUsageWarner {
	return &ContextUsageWarner{Thresholds: thresholds}
}

func (w *ContextUsageWarner) Name() string { return "context_usage_warner" }

func (w *ContextUsageWarner) ShouldApply(ctx Context) bool {
	if ctx.State == nil {
		return false
	}
	if strings.Contains(strings.ToLower(ctx.Model), "haiku") {
		return false
	}
	if ctx.StopReason != "" && ctx.StopReason != "end_turn" {
		return false
	}
	return true
}

func (w *ContextUsageWarner) Generate(ctx Context) (Injection, bool) {
	threshold, pct, ok := ctx.State.crossedThreshold(w.Thresholds)
	if !ok {
		return Injection{}, false
	}

	var advice string
	switch {
	case threshold >= 90:
		advice = " Context is nearly exhausted; compact now or start a fresh session."
	case threshold >= 80:
		advice = " Consider compacting soon to preserve room for the rest of this task."
	}
	text := fmt.Sprintf("\n\n[Context: %d%% used.%s]", pct, advice)
	return Injection{Text: text}, true
}
