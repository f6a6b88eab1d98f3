package translate

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TranslateRequestOpenAIToAnthropic maps an OpenAI chat-completion request
// body to an Anthropic messages request body: the flat messages array is
// split into system + messages, tool_calls/tool role messages become
// tool_use/tool_result content blocks, and the model is remapped.
func TranslateRequestOpenAIToAnthropic(body []byte, ctx *Context) ([]byte, error) {
	src := gjson.ParseBytes(body)
	out := `{}`
	var err error

	model := ctx.MapModel(src.Get("model").String())
	out, err = sjson.Set(out, "model", model)
	if err != nil {
		return nil, err
	}

	if v := src.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	} else {
		out, _ = sjson.Set(out, "max_tokens", 4096)
	}
	if v := src.Get("temperature"); v.Exists() {
		out, _ = sjson.Set(out, "temperature", v.Float())
	}
	if v := src.Get("top_p"); v.Exists() {
		out, _ = sjson.Set(out, "top_p", v.Float())
	}
	if v := src.Get("stop"); v.Exists() {
		out, _ = sjson.Set(out, "stop_sequences", v.Value())
	}
	if v := src.Get("stream"); v.Exists() {
		out, _ = sjson.Set(out, "stream", v.Bool())
	}

	var systemParts []string
	var messages []map[string]any

	for _, msg := range src.Get("messages").Array() {
		role := msg.Get("role").String()

		if role == "system" {
			systemParts = append(systemParts, msg.Get("content").String())
			continue
		}

		if role == "tool" {
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.Get("tool_call_id").String(),
					"content":     msg.Get("content").String(),
				}},
			})
			continue
		}

		if role == "assistant" && msg.Get("tool_calls").IsArray() {
			var blocks []map[string]any
			if text := msg.Get("content").String(); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range msg.Get("tool_calls").Array() {
				// Malformed arguments pass through as a raw string rather
				// than being dropped.
				var input any
				argsStr := tc.Get("function.arguments").String()
				if gjson.Valid(argsStr) {
					input = gjson.Parse(argsStr).Value()
				} else {
					input = argsStr
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.Get("id").String(),
					"name":  tc.Get("function.name").String(),
					"input": input,
				})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})
			continue
		}

		messages = append(messages, map[string]any{"role": role, "content": msg.Get("content").Value()})
	}

	if len(systemParts) > 0 {
		system := systemParts[0]
		for _, p := range systemParts[1:] {
			system += "\n\n" + p
		}
		out, _ = sjson.Set(out, "system", system)
	}

	out, err = sjson.Set(out, "messages", messages)
	if err != nil {
		return nil, err
	}

	if tools := src.Get("tools"); tools.IsArray() {
		var anthTools []map[string]any
		for _, t := range tools.Array() {
			anthTools = append(anthTools, map[string]any{
				"name":         t.Get("function.name").String(),
				"description":  t.Get("function.description").String(),
				"input_schema": t.Get("function.parameters").Value(),
			})
		}
		out, _ = sjson.Set(out, "tools", anthTools)
	}

	return []byte(out), nil
}
