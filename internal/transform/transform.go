// Package transform implements the request-body transformation pipeline:
// an ordered list of rewriters applied to the JSON request body
// before it is forwarded upstream, with fail-safe semantics — a
// transformer failing never breaks the request.
package transform

import (
	"log/slog"
	"regexp"
)

// Outcome is what a single Transformer returns.
type Outcome int

const (
	Unchanged Outcome = iota
	Modified
	Block
	Failed
)

// Result carries the outcome plus whatever payload it implies.
type Result struct {
	Outcome      Outcome
	Body         []byte // set when Outcome == Modified
	BlockReason  string // set when Outcome == Block
	BlockStatus  int    // set when Outcome == Block
	Err          error  // set when Outcome == Failed
}

// Context is per-request metadata transformers may condition on.
type Context struct {
	ClientID       string
	TurnNumber     int
	HasToolResults int
}

// Transformer rewrites a JSON request body.
type Transformer interface {
	Name() string
	Apply(ctx Context, body []byte) Result
}

// Pipeline runs transformers left to right. Error outcomes are logged and
// skipped (the transformer that failed, not the whole pipeline); Block
// short-circuits with the given status/reason; Unchanged/Modified fold the
// working body forward.
type Pipeline struct {
	transformers []Transformer
	logger       *slog.Logger
}

func NewPipeline(logger *slog.Logger, transformers ...Transformer) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{transformers: transformers, logger: logger}
}

// PipelineResult is the final outcome of running the whole pipeline.
type PipelineResult struct {
	Body        []byte
	Blocked     bool
	BlockReason string
	BlockStatus int
}

func (p *Pipeline) Run(ctx Context, body []byte) PipelineResult {
	working := body
	for _, t := range p.transformers {
		res := t.Apply(ctx, working)
		switch res.Outcome {
		case Unchanged:
			continue
		case Modified:
			working = res.Body
		case Failed:
			p.logger.Warn("transformer failed, skipping", "transformer", t.Name(), "error", res.Err)
			continue
		case Block:
			return PipelineResult{Body: working, Blocked: true, BlockReason: res.BlockReason, BlockStatus: res.BlockStatus}
		}
	}
	return PipelineResult{Body: working}
}

// comparisonRe and everyRe are the pre-compiled `every:N` / comparison
// forms shared by turn_number and has_tool_results predicates.
var comparisonRe = regexp.MustCompile(`^([=<>])(\d+)$`)
var everyRe = regexp.MustCompile(`^every:(\d+)$`)

func matchesNumberPredicate(predicate string, value int) bool {
	if predicate == "" {
		return true
	}
	if m := everyRe.FindStringSubmatch(predicate); m != nil {
		n := atoi(m[1])
		if n <= 0 {
			return false
		}
		return value%n == 0
	}
	if m := comparisonRe.FindStringSubmatch(predicate); m != nil {
		n := atoi(m[2])
		switch m[1] {
		case "=":
			return value == n
		case ">":
			return value > n
		case "<":
			return value < n
		}
	}
	return false
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
