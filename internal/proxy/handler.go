package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"aspyx/internal/augment"
	"aspyx/internal/config"
	"aspyx/internal/counttokens"
	"aspyx/internal/errs"
	"aspyx/internal/events"
	"aspyx/internal/routing"
	"aspyx/internal/sse"
	"aspyx/internal/telemetry/tracing"
	"aspyx/internal/transform"
	"aspyx/internal/translate"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator wires routing, the count-tokens cache, transformation,
// translation, SSE parsing, augmentation, and the event bus into HTTP
// request/response handling. One Orchestrator serves the whole listen
// socket; routes are not registered per-path — every method/path is
// accepted and handled uniformly.
type Orchestrator struct {
	Config    *config.Config
	Resolver  *routing.Resolver
	Tokens    *counttokens.Cache
	Transform *transform.Pipeline
	Augment   *augment.Pipeline
	Bus       *events.Bus
	Upstream  *http.Client
	Logger    *slog.Logger
	Tracer    *tracing.Tracer

	// Metrics, when set, receives count-tokens cache outcomes.
	Metrics CountTokensObserver

	// contextStates tracks augment.ContextState per client for the
	// context-usage warner; keyed by client_id since session_id isn't
	// known until the SSE stream's first events arrive.
	statesMu      sync.Mutex
	contextStates map[string]*augment.ContextState

	ingest *ingestTracker
}

func NewOrchestrator(cfg *config.Config, resolver *routing.Resolver, tokens *counttokens.Cache, tp *transform.Pipeline, ap *augment.Pipeline, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Config: cfg, Resolver: resolver, Tokens: tokens, Transform: tp, Augment: ap, Bus: bus,
		Upstream:      &http.Client{Timeout: 0}, // SSE responses have no read deadline
		Logger:        logger.With("component", "proxy.orchestrator"),
		contextStates: make(map[string]*augment.ContextState),
		ingest:        newIngestTracker(),
	}
}

func (o *Orchestrator) contextStateFor(clientID string) *augment.ContextState {
	o.statesMu.Lock()
	defer o.statesMu.Unlock()
	if s, ok := o.contextStates[clientID]; ok {
		return s
	}
	s := augment.NewContextState(o.Config.ContextLimit)
	o.contextStates[clientID] = s
	return s
}

// ServeHTTP runs the full request pipeline: identify client, count-tokens
// policy, resolve route, translate, transform, forward, tee.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if o.Tracer != nil {
		var span trace.Span
		ctx, span = o.Tracer.Start(ctx, "proxy.request")
		defer span.End()
		r = r.WithContext(ctx)
	}

	clientID := o.identifyClient(r)

	isCountTokens := counttokens.IsCountTokensPath(r.URL.Path)
	var dedupeCountTokens bool
	if isCountTokens {
		shortCircuit, dedupe := o.handleCountTokens(w, r, clientID)
		if shortCircuit {
			return
		}
		dedupeCountTokens = dedupe
	}

	route, err := o.Resolver.Resolve(clientID)
	if err != nil {
		o.writeError(w, r, errs.NewWithStatus(errs.KindClientInput, "unknown client", http.StatusNotFound, err))
		return
	}
	tracing.SetRequestAttributes(trace.SpanFromContext(ctx), clientID, "", route.BaseURL)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		o.writeError(w, r, errs.New(errs.KindClientInput, "body read failed", err))
		return
	}
	if len(body) > warnBodyBytes {
		o.Logger.Warn("oversized request body", "request_id", RequestID(ctx), "bytes", len(body))
	}

	tctx := &translate.Context{
		ClientFormat:  o.clientFormat(r, body, route),
		BackendFormat: route.Format,
		OriginalModel: gjson.GetBytes(body, "model").String(),
		ModelMapping:  route.ModelMapping,
	}

	if tctx.NeedsTranslation() && tctx.ClientFormat == translate.OpenAI && tctx.BackendFormat == translate.Anthropic {
		translated, err := translate.TranslateRequestOpenAIToAnthropic(body, tctx)
		if err != nil {
			o.writeError(w, r, errs.New(errs.KindTranslation, "request translation failed", err))
			return
		}
		body = translated
	} else if len(route.ModelMapping) > 0 {
		// No format mismatch; the resolver's model mapping still applies.
		if model := tctx.OriginalModel; model != "" {
			if mapped := routing.MapModel(model, route.ModelMapping); mapped != model {
				if rewritten, err := sjson.SetBytes(body, "model", mapped); err == nil {
					body = rewritten
				}
			}
		}
	}

	if !isCountTokens {
		result := o.Transform.Run(transformContext(clientID, body), body)
		if result.Blocked {
			w.WriteHeader(result.BlockStatus)
			w.Write([]byte(result.BlockReason))
			return
		}
		body = result.Body
	}

	var sessionID string
	if o.Bus != nil && !isCountTokens {
		meta := &requestMeta{
			sessionHeader:  r.Header.Get("X-Session-Id"),
			transcriptPath: r.Header.Get("X-Transcript-Path"),
		}
		sessionID = o.sessionFor(clientID, meta)
		o.recordToolResults(body)
		o.publishUserPrompt(sessionID, body)
	}

	o.forwardUpstream(w, r, route, clientID, sessionID, body, tctx, dedupeCountTokens)
}

// warnBodyBytes is the request-body size past which a warning is logged.
// The body itself is unbounded.
const warnBodyBytes = 16 << 20

// transformContext derives the per-request predicate inputs the tag
// editor's `when` conditions match on: the 1-indexed conversation turn
// (user messages so far) and the tool_result block count in the last user
// message.
func transformContext(clientID string, body []byte) transform.Context {
	tc := transform.Context{ClientID: clientID}

	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return tc
	}
	arr := messages.Array()
	for _, m := range arr {
		if m.Get("role").String() == "user" {
			tc.TurnNumber++
		}
	}
	if len(arr) > 0 {
		last := arr[len(arr)-1]
		if last.Get("role").String() == "user" && last.Get("content").IsArray() {
			for _, block := range last.Get("content").Array() {
				if block.Get("type").String() == "tool_result" {
					tc.HasToolResults++
				}
			}
		}
	}
	return tc
}

// identifyClient derives client_id from the configured inbound credential
// header, hashing it when configured to.
func (o *Orchestrator) identifyClient(r *http.Request) string {
	header := o.Config.ClientIdentityHeader
	if header == "" {
		header = "Authorization"
	}
	value := r.Header.Get(header)
	if o.Config.ClientIdentityHash {
		return HashClientCredential(value)
	}
	return value
}

// clientFormat decides what wire format the client speaks, honoring the
// [translation] section: disabled pins the client to the backend's format
// so no conversion ever runs; auto_detect off restricts detection to the
// explicit path signal, skipping header and body-shape sniffing.
func (o *Orchestrator) clientFormat(r *http.Request, body []byte, route *routing.Route) translate.Format {
	t := o.Config.Translation
	if !t.Enabled {
		return route.Format
	}
	if !t.AutoDetect {
		return translate.DetectFormat(r.URL.Path, false, false, false)
	}
	return detectClientFormat(r, body)
}

func detectClientFormat(r *http.Request, body []byte) translate.Format {
	hasOpenAIHeader := r.Header.Get("OpenAI-Beta") != "" || strings.Contains(r.Header.Get("User-Agent"), "openai")
	hasMessages := bytes.Contains(body, []byte(`"messages"`))
	hasModel := bytes.Contains(body, []byte(`"model"`))
	return translate.DetectFormat(r.URL.Path, hasOpenAIHeader, hasMessages, hasModel)
}

// CountTokensObserver receives count-tokens outcome counts, for metrics.
type CountTokensObserver interface {
	RecordCountTokensOutcome(outcome string)
}

func (o *Orchestrator) recordCountTokens(outcome string) {
	if o.Metrics != nil {
		o.Metrics.RecordCountTokensOutcome(outcome)
	}
}

// handleCountTokens applies the resolved count-tokens policy. It
// returns shortCircuit=true when a response has already been written, and
// dedupe=true when the request should continue upstream with its response
// cached on the way back.
func (o *Orchestrator) handleCountTokens(w http.ResponseWriter, r *http.Request, clientID string) (shortCircuit, dedupe bool) {
	route, err := o.Resolver.Resolve(clientID)
	if err != nil {
		return false, false // fall through to the normal path, which will 404 consistently
	}

	switch route.CountTokensPolicy {
	case config.CountTokensSynthetic:
		o.recordCountTokens("synthetic")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(counttokens.SyntheticResponse())
		return true, false
	case config.CountTokensPassthrough:
		o.recordCountTokens("passthrough")
		return false, false
	default: // dedupe
		body, err := io.ReadAll(r.Body)
		if err != nil {
			o.writeError(w, r, errs.New(errs.KindClientInput, "body read failed", err))
			return true, false
		}
		result, cachedBody, status := o.Tokens.Check(clientID, body)
		switch result {
		case counttokens.Hit:
			o.recordCountTokens("hit")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write(cachedBody)
			return true, false
		case counttokens.RateLimited:
			o.recordCountTokens("rate_limited")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write(cachedBody)
			return true, false
		default:
			o.recordCountTokens("miss")
			r.Body = io.NopCloser(bytes.NewReader(body))
			return false, true
		}
	}
}

// forwardUpstream builds the outbound request, streams the response back
// to the client, and tees it into the SSE parser / event bus when it is an
// SSE response.
func (o *Orchestrator) forwardUpstream(w http.ResponseWriter, r *http.Request, route *routing.Route, clientID, sessionID string, body []byte, tctx *translate.Context, dedupeCountTokens bool) {
	path := route.Path
	if counttokens.IsCountTokensPath(r.URL.Path) && !counttokens.IsCountTokensPath(path) {
		path += "/count_tokens"
	}
	upstreamURL := route.BaseURL + path
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		o.writeError(w, r, errs.New(errs.KindUpstreamTransport, "build upstream request failed", err))
		return
	}
	copySafeHeaders(req.Header, r.Header)
	if route.StripIncoming {
		req.Header.Del("Authorization")
		req.Header.Del("x-api-key")
	}
	if route.AuthHeaderName != "" {
		req.Header.Set(route.AuthHeaderName, route.AuthHeaderValue)
	}

	resp, err := o.Upstream.Do(req)
	if err != nil {
		o.writeError(w, r, errs.New(errs.KindUpstreamTransport, "upstream call failed", err))
		return
	}
	defer resp.Body.Close()

	translating := tctx.NeedsTranslation() && tctx.ClientFormat == translate.OpenAI && tctx.BackendFormat == translate.Anthropic

	if isSSE(resp.Header) {
		copyResponseHeaders(w, resp.Header, false)
		w.WriteHeader(resp.StatusCode)
		o.streamSSE(w, resp.Body, clientID, sessionID, tctx, translating)
		return
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		o.Logger.Error("response read failed", "error", err)
		return
	}

	if dedupeCountTokens && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		o.Tokens.Store(clientID, body, respBody, resp.StatusCode)
	}

	bodyRewritten := false
	if translating && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		translated, terr := translate.TranslateResponseAnthropicToOpenAIBuffered(respBody, tctx.OriginalModel)
		if terr != nil {
			o.Logger.Error("response translation failed", "error", terr)
		} else {
			respBody = translated
			bodyRewritten = true
		}
	}
	copyResponseHeaders(w, resp.Header, bodyRewritten)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Host",
}

func copySafeHeaders(dst, src http.Header) {
	for k, vv := range src {
		skip := false
		for _, h := range hopByHopHeaders {
			if strings.EqualFold(k, h) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// copyResponseHeaders forwards upstream response headers; when the body is
// being rewritten by translation the stale Content-Length is dropped.
func copyResponseHeaders(w http.ResponseWriter, src http.Header, bodyRewritten bool) {
	for k, vv := range src {
		if bodyRewritten && strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

func isSSE(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "text/event-stream")
}

var messageStopMarker = []byte("event: message_stop")

// streamSSE tees the upstream body into the SSE parser while
// forwarding to the client, runs the augmentation pipeline after
// message_delta and injects strictly before the message_stop frame is
// forwarded, and publishes parsed events to the fanout bus. When the
// client speaks the OpenAI format, each upstream chunk is run through the
// streaming translator instead of being forwarded verbatim.
func (o *Orchestrator) streamSSE(w http.ResponseWriter, body io.Reader, clientID, sessionID string, tctx *translate.Context, translating bool) {
	flusher, _ := w.(http.Flusher)
	state := o.contextStateFor(clientID)

	var translator *translate.StreamTranslator
	if translating {
		translator = translate.NewStreamTranslator(tctx)
	}

	var model string
	var stopReason string
	var nextBlockIndex int
	var usageTotal int64
	var pendingInjections []augment.Injection

	parser := sse.NewParser(func(ev sse.DomainEvent) {
		switch ev.Type {
		case sse.EventMessageStart:
			model = ev.Model
			for _, v := range ev.Usage {
				usageTotal += v
			}
		case sse.EventContentBlockStart:
			if ev.Block != nil && ev.Block.Index >= nextBlockIndex {
				nextBlockIndex = ev.Block.Index + 1
			}
		case sse.EventContentBlockStop:
			if ev.Block != nil && ev.Block.Index >= nextBlockIndex {
				nextBlockIndex = ev.Block.Index + 1
			}
			if sessionID != "" {
				o.onBlockStop(sessionID, ev)
			}
		case sse.EventMessageDelta:
			stopReason = ev.StopReason
			for _, v := range ev.Usage {
				usageTotal += v
			}
			state.Update(int(usageTotal))
			if sessionID != "" && len(ev.Usage) > 0 {
				o.publishApiUsage(sessionID, model, ev.Usage)
			}
			if o.Augment != nil && !translating {
				pendingInjections = append(pendingInjections, o.Augment.Run(augment.Context{
					Model: model, StopReason: stopReason, NextBlockIndex: nextBlockIndex, State: state,
				})...)
			}
		}
		o.Bus.Publish(events.Event{Kind: events.KindStreamChunk, Payload: ev})
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			parser.Feed(chunk)

			if translating {
				if out := translator.TranslateChunk(chunk); len(out) > 0 {
					w.Write(out)
				}
			} else {
				o.writeWithInjections(w, chunk, &pendingInjections)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				o.Bus.Publish(events.Event{Kind: events.KindStreamAborted, Payload: clientID})
			}
			break
		}
	}
	if translating {
		w.Write(translator.Finalize())
		if flusher != nil {
			flusher.Flush()
		}
	}
	parser.Close()
}

// writeWithInjections forwards chunk to the client verbatim, except that
// pending augmentation injections are emitted immediately before the
// message_stop frame, preserving the after-message_delta /
// before-message_stop ordering. If message_stop isn't in this chunk the
// injections stay pending for a later one.
func (o *Orchestrator) writeWithInjections(w http.ResponseWriter, chunk []byte, pending *[]augment.Injection) {
	if len(*pending) == 0 {
		w.Write(chunk)
		return
	}
	idx := bytes.Index(chunk, messageStopMarker)
	if idx < 0 {
		w.Write(chunk)
		return
	}
	if idx > 0 {
		w.Write(chunk[:idx])
	}
	for _, inj := range *pending {
		w.Write([]byte(augment.RenderSSE(inj)))
		o.Bus.Publish(events.Event{Kind: events.KindAugmentationInjected, Payload: inj})
	}
	*pending = nil
	w.Write(chunk[idx:])
}

func (o *Orchestrator) writeError(w http.ResponseWriter, r *http.Request, err *errs.Error) {
	o.Logger.Error("request failed", "kind", err.Kind.String(), "error", err.Error())
	tracing.SetError(trace.SpanFromContext(r.Context()), err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	fmt.Fprintf(w, `{"error":%q}`, err.Message)
}
