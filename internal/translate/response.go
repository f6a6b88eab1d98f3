package translate

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// stopReasonToFinishReason maps Anthropic's stop_reason to OpenAI's
// finish_reason
func stopReasonToFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// TranslateResponseAnthropicToOpenAIBuffered converts a full (non-streamed)
// Anthropic messages response into a single OpenAI chat.completion body.
func TranslateResponseAnthropicToOpenAIBuffered(body []byte, model string) ([]byte, error) {
	src := gjson.ParseBytes(body)

	var textParts []string
	var toolCalls []map[string]any
	for _, block := range src.Get("content").Array() {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		}
	}

	message := map[string]any{"role": "assistant"}
	if len(textParts) > 0 {
		message["content"] = strings.Join(textParts, "")
	} else {
		message["content"] = nil
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	finishReason := stopReasonToFinishReason(src.Get("stop_reason").String())

	out := `{}`
	out, _ = sjson.Set(out, "object", "chat.completion")
	out, _ = sjson.Set(out, "model", model)
	out, _ = sjson.Set(out, "choices", []map[string]any{{
		"index":         0,
		"message":       message,
		"finish_reason": finishReason,
	}})

	usage := src.Get("usage")
	inputTokens := usage.Get("input_tokens").Int()
	outputTokens := usage.Get("output_tokens").Int()
	out, _ = sjson.Set(out, "usage", map[string]any{
		"prompt_tokens":     inputTokens,
		"completion_tokens": outputTokens,
		"total_tokens":      inputTokens + outputTokens,
	})

	return []byte(out), nil
}

// StreamTranslator accepts opaque Anthropic SSE bytes and emits zero or
// more OpenAI chat.completion.chunk SSE frames. Infrastructure mirrors the
// original's "infrastructure ready, not yet integrated" streaming
// translator — here it is wired into the proxy orchestrator's streaming
// path (internal/proxy), completing what the original left inert.
type StreamTranslator struct {
	ctx    *Context
	parser *sseLineScanner
}

func NewStreamTranslator(ctx *Context) *StreamTranslator {
	if ctx.CompletionID == "" {
		ctx.CompletionID = "chatcmpl-stream"
	}
	return &StreamTranslator{ctx: ctx, parser: newSSELineScanner()}
}

// TranslateChunk appends raw to the internal line buffer, extracts
// complete SSE events, and returns the OpenAI-format bytes to forward.
// Partial trailing bytes remain buffered across calls.
func (t *StreamTranslator) TranslateChunk(raw []byte) []byte {
	var out strings.Builder
	events := t.parser.feed(raw)
	for _, ev := range events {
		out.WriteString(t.translateEvent(ev))
	}
	return []byte(out.String())
}

func (t *StreamTranslator) translateEvent(ev sseEvent) string {
	payload := gjson.ParseBytes(ev.data)

	switch ev.event {
	case "message_start":
		return "" // OpenAI has no start frame; role is emitted on first delta.
	case "content_block_delta":
		delta := payload.Get("delta")
		var content string
		switch delta.Get("type").String() {
		case "text_delta":
			content = delta.Get("text").String()
		default:
			return ""
		}
		d := map[string]any{"content": content}
		if t.ctx.ChunkIndex == 0 {
			d["role"] = "assistant"
		}
		chunk := t.chunkFrame(d, nil)
		t.ctx.ChunkIndex++
		return chunk
	case "message_delta":
		reason := stopReasonToFinishReason(payload.Get("delta.stop_reason").String())
		t.ctx.FinishReason = reason
		chunk := t.chunkFrame(map[string]any{}, &reason)
		t.ctx.ChunkIndex++
		return chunk
	default:
		return ""
	}
}

func (t *StreamTranslator) chunkFrame(delta map[string]any, finishReason *string) string {
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != nil {
		choice["finish_reason"] = *finishReason
	} else {
		choice["finish_reason"] = nil
	}
	frame := map[string]any{
		"id":      t.ctx.CompletionID,
		"object":  "chat.completion.chunk",
		"choices": []map[string]any{choice},
	}
	b, _ := sjsonMarshal(frame)
	return "data: " + string(b) + "\n\n"
}

// Finalize emits the terminating data: [DONE] frame, exactly once per
// stream, after the last chat.completion.chunk.
func (t *StreamTranslator) Finalize() []byte {
	return []byte("data: [DONE]\n\n")
}
