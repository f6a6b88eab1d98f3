package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"aspyx/internal/augment"
	"aspyx/internal/config"
	"aspyx/internal/counttokens"
	"aspyx/internal/events"
	"aspyx/internal/routing"
	"aspyx/internal/transform"
)

const anthSSE = `event: message_start
data: {"type":"message_start","message":{"model":"claude-sonnet-4","usage":{"input_tokens":62}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Done."}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}

`

type upstreamRecorder struct {
	calls   atomic.Int64
	lastReq atomic.Pointer[http.Request]
	body    atomic.Pointer[[]byte]
	respond func(w http.ResponseWriter, r *http.Request)
}

func (u *upstreamRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		u.body.Store(&body)
		u.lastReq.Store(r.Clone(r.Context()))
		u.respond(w, r)
	}
}

func (u *upstreamRecorder) lastBody() []byte {
	if p := u.body.Load(); p != nil {
		return *p
	}
	return nil
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, transformers ...transform.Transformer) *Orchestrator {
	t.Helper()
	if cfg.ContextLimit == 0 {
		cfg.ContextLimit = 100
	}
	if cfg.Augmentation.ContextWarningThresholds == nil {
		cfg.Augmentation.ContextWarningThresholds = []int{60, 80, 90}
	}
	tokens := counttokens.NewCache(counttokens.Config{Enabled: true, CacheTTL: time.Minute, RateLimitPerSecond: 100})
	tp := transform.NewPipeline(nil, transformers...)
	ap := augment.NewPipeline(augment.NewContextUsageWarner(cfg.Augmentation.ContextWarningThresholds))
	return NewOrchestrator(cfg, routing.NewResolver(cfg), tokens, tp, ap, events.NewBus(), nil)
}

func proxyConfig(upstreamURL string, format config.ApiFormat) *config.Config {
	return &config.Config{
		ClientIdentityHeader: "x-api-key",
		ClientIdentityHash:   false,
		Translation:          config.TranslationConfig{Enabled: true, AutoDetect: true},
		Providers: map[string]config.ProviderConfig{
			"backend": {
				BaseURL:   upstreamURL,
				APIFormat: format,
				Auth:      &config.ProviderAuth{Method: config.AuthBearer, Key: "resolved-key"},
				ModelMapping: map[string]string{
					"haiku":  "anthropic/claude-3-haiku",
					"sonnet": "anthropic/claude-sonnet-4",
				},
			},
		},
		Clients: map[string]config.ClientConfig{
			"cli-cred": {Name: "cli", Provider: "backend"},
		},
	}
}

func TestServeHTTP_RoutingAuthAndModelMapping(t *testing.T) {
	up := &upstreamRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","content":[]}`))
	}}
	server := httptest.NewServer(up.handler())
	defer server.Close()

	o := newTestOrchestrator(t, proxyConfig(server.URL, config.FormatAnthropic))

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"claude-haiku-4-5-20251001","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("x-api-key", "cli-cred")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	upstream := up.lastReq.Load()
	if upstream == nil {
		t.Fatal("Upstream never called")
	}
	if upstream.URL.Path != "/v1/messages" {
		t.Errorf("upstream path = %q", upstream.URL.Path)
	}
	if got := upstream.Header.Get("Authorization"); got != "Bearer resolved-key" {
		t.Errorf("Authorization = %q", got)
	}
	if got := upstream.Header.Get("x-api-key"); got != "" {
		t.Errorf("Inbound credential not stripped: %q", got)
	}
	if !strings.Contains(string(up.lastBody()), `"anthropic/claude-3-haiku"`) {
		t.Errorf("Model not remapped: %s", up.lastBody())
	}
}

func TestServeHTTP_UnknownClient404(t *testing.T) {
	o := newTestOrchestrator(t, proxyConfig("http://unused", config.FormatAnthropic))
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{}`))
	req.Header.Set("x-api-key", "stranger")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestServeHTTP_UpstreamDown502(t *testing.T) {
	o := newTestOrchestrator(t, proxyConfig("http://127.0.0.1:1", config.FormatAnthropic))
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m","messages":[]}`))
	req.Header.Set("x-api-key", "cli-cred")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestServeHTTP_CountTokensSynthetic(t *testing.T) {
	up := &upstreamRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		t.Error("Upstream must not be called for synthetic count-tokens")
	}}
	server := httptest.NewServer(up.handler())
	defer server.Close()

	// An OpenAI-format backend defaults to synthetic count-tokens handling.
	o := newTestOrchestrator(t, proxyConfig(server.URL, config.FormatOpenAI))

	req := httptest.NewRequest("POST", "/v1/messages/count_tokens", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("x-api-key", "cli-cred")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"input_tokens":0}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestServeHTTP_CountTokensDedupe(t *testing.T) {
	up := &upstreamRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"input_tokens":123}`))
	}}
	server := httptest.NewServer(up.handler())
	defer server.Close()

	cfg := proxyConfig(server.URL, config.FormatAnthropic)
	dedupe := config.CountTokensDedupe
	backend := cfg.Providers["backend"]
	backend.CountTokens = &dedupe
	cfg.Providers["backend"] = backend

	o := newTestOrchestrator(t, cfg)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/messages/count_tokens", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		req.Header.Set("x-api-key", "cli-cred")
		rec := httptest.NewRecorder()
		o.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != 200 || first.Body.String() != `{"input_tokens":123}` {
		t.Fatalf("first = %d %q", first.Code, first.Body.String())
	}
	if up.calls.Load() != 1 {
		t.Fatalf("upstream calls = %d", up.calls.Load())
	}

	second := send()
	if second.Code != 200 || second.Body.String() != `{"input_tokens":123}` {
		t.Fatalf("second = %d %q", second.Code, second.Body.String())
	}
	if up.calls.Load() != 1 {
		t.Errorf("Cache hit must not reach upstream; calls = %d", up.calls.Load())
	}

	// The forwarded call must have hit the count_tokens endpoint.
	if got := up.lastReq.Load().URL.Path; got != "/v1/messages/count_tokens" {
		t.Errorf("upstream path = %q", got)
	}
}

func TestServeHTTP_StreamingInjectsBeforeMessageStop(t *testing.T) {
	up := &upstreamRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(anthSSE))
	}}
	server := httptest.NewServer(up.handler())
	defer server.Close()

	o := newTestOrchestrator(t, proxyConfig(server.URL, config.FormatAnthropic))

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"go"}],"stream":true}`))
	req.Header.Set("x-api-key", "cli-cred")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	out := rec.Body.String()
	if !strings.Contains(out, `"text":"Done."`) {
		t.Fatalf("Original frames missing: %q", out)
	}

	// 62 input + 3 output tokens against a limit of 100 crosses the 60
	// threshold; the injection must land after message_delta and before
	// message_stop.
	injIdx := strings.Index(out, "65% used")
	if injIdx < 0 {
		t.Fatalf("No context warning injected: %q", out)
	}
	deltaIdx := strings.Index(out, "event: message_delta")
	stopIdx := strings.Index(out, "event: message_stop")
	if !(deltaIdx < injIdx && injIdx < stopIdx) {
		t.Errorf("Injection misplaced: delta=%d inj=%d stop=%d", deltaIdx, injIdx, stopIdx)
	}
}

func TestServeHTTP_StreamingTranslationForOpenAIClient(t *testing.T) {
	up := &upstreamRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(anthSSE))
	}}
	server := httptest.NewServer(up.handler())
	defer server.Close()

	o := newTestOrchestrator(t, proxyConfig(server.URL, config.FormatAnthropic))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"go"}]}`))
	req.Header.Set("x-api-key", "cli-cred")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	// The upstream request body must be Anthropic-shaped.
	if !strings.Contains(string(up.lastBody()), `"max_tokens"`) {
		t.Errorf("Request not translated: %s", up.lastBody())
	}

	out := rec.Body.String()
	if !strings.Contains(out, `"chat.completion.chunk"`) {
		t.Fatalf("No translated chunks: %q", out)
	}
	if strings.Contains(out, "event: message_start") {
		t.Errorf("Anthropic frames leaked to an OpenAI client: %q", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("Missing [DONE] terminator: %q", out)
	}
	if strings.Count(out, "data: [DONE]") != 1 {
		t.Errorf("[DONE] must appear exactly once")
	}
}

type blockingTransformer struct{}

func (blockingTransformer) Name() string { return "blocker" }
func (blockingTransformer) Apply(_ transform.Context, _ []byte) transform.Result {
	return transform.Result{Outcome: transform.Block, BlockReason: "policy says no", BlockStatus: 451}
}

func TestServeHTTP_TransformerBlockShortCircuits(t *testing.T) {
	up := &upstreamRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		t.Error("Upstream must not be called for a blocked request")
	}}
	server := httptest.NewServer(up.handler())
	defer server.Close()

	o := newTestOrchestrator(t, proxyConfig(server.URL, config.FormatAnthropic), blockingTransformer{})

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"m","messages":[]}`))
	req.Header.Set("x-api-key", "cli-cred")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	if rec.Code != 451 || rec.Body.String() != "policy says no" {
		t.Errorf("block result = %d %q", rec.Code, rec.Body.String())
	}
}

func TestTransformContext(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"user","content":"one"},
		{"role":"assistant","content":"r"},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"t1","content":"ok"},
			{"type":"tool_result","tool_use_id":"t2","content":"ok"},
			{"type":"text","text":"and"}
		]}
	]}`)
	tc := transformContext("cli", body)
	if tc.ClientID != "cli" {
		t.Errorf("ClientID = %q", tc.ClientID)
	}
	if tc.TurnNumber != 2 {
		t.Errorf("TurnNumber = %d, want 2", tc.TurnNumber)
	}
	if tc.HasToolResults != 2 {
		t.Errorf("HasToolResults = %d, want 2", tc.HasToolResults)
	}
}

func TestCopySafeHeaders_StripsHopByHop(t *testing.T) {
	src := http.Header{
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Content-Type":      {"application/json"},
		"X-Custom":          {"yes"},
	}
	dst := http.Header{}
	copySafeHeaders(dst, src)
	if dst.Get("Connection") != "" || dst.Get("Transfer-Encoding") != "" {
		t.Errorf("hop-by-hop headers leaked: %v", dst)
	}
	if dst.Get("Content-Type") != "application/json" || dst.Get("X-Custom") != "yes" {
		t.Errorf("safe headers lost: %v", dst)
	}
}

func TestServeHTTP_TranslationDisabled(t *testing.T) {
	up := &upstreamRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","content":[]}`))
	}}
	server := httptest.NewServer(up.handler())
	defer server.Close()

	cfg := proxyConfig(server.URL, config.FormatAnthropic)
	cfg.Translation = config.TranslationConfig{Enabled: false}
	o := newTestOrchestrator(t, cfg)

	// An OpenAI-shaped request on the OpenAI path: with translation off the
	// body must be forwarded as-is (model mapping still applies).
	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`))
	req.Header.Set("x-api-key", "cli-cred")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	sent := string(up.lastBody())
	if strings.Contains(sent, `"system":"be terse"`) {
		t.Errorf("Body translated despite translation.enabled=false: %s", sent)
	}
	if !strings.Contains(sent, `"role":"system"`) {
		t.Errorf("Original message shape lost: %s", sent)
	}
}

func TestServeHTTP_AutoDetectOffUsesPathOnly(t *testing.T) {
	up := &upstreamRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","content":[]}`))
	}}
	server := httptest.NewServer(up.handler())
	defer server.Close()

	cfg := proxyConfig(server.URL, config.FormatAnthropic)
	cfg.Translation = config.TranslationConfig{Enabled: true, AutoDetect: false}
	o := newTestOrchestrator(t, cfg)

	// Off-path request with an OpenAI header: with auto_detect off the
	// header sniffing is skipped, the client counts as Anthropic, and the
	// body is forwarded untranslated.
	req := httptest.NewRequest("POST", "/custom/endpoint",
		strings.NewReader(`{"model":"m","messages":[{"role":"system","content":"s"},{"role":"user","content":"hi"}]}`))
	req.Header.Set("x-api-key", "cli-cred")
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	rec := httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	if strings.Contains(string(up.lastBody()), `"system":"s"`) {
		t.Errorf("Header sniffing ran despite auto_detect=false: %s", up.lastBody())
	}

	// The explicit path signal still works without auto-detection.
	req = httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("x-api-key", "cli-cred")
	rec = httptest.NewRecorder()
	o.ServeHTTP(rec, req)

	if !strings.Contains(string(up.lastBody()), `"max_tokens"`) {
		t.Errorf("Path-signaled request not translated: %s", up.lastBody())
	}
}
