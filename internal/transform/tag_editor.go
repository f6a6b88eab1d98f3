package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"aspyx/internal/config"
)

// TagEditor edits XML-style tags inside user-message content. Rule
// application order is always remove -> replace -> inject regardless of
// declaration order
type TagEditor struct {
	rules []compiledTagRule
}

type compiledTagRule struct {
	cfg     config.TagRuleConfig
	pattern *regexp.Regexp
}

func NewTagEditor(cfg config.TagEditorConfig) *TagEditor {
	te := &TagEditor{}
	for _, r := range cfg.Rules {
		cr := compiledTagRule{cfg: r}
		if r.Pattern != "" {
			if re, err := regexp.Compile(r.Pattern); err == nil {
				cr.pattern = re
			}
		}
		te.rules = append(te.rules, cr)
	}
	return te
}

func (t *TagEditor) Name() string { return "tag-editor" }

func (t *TagEditor) Apply(ctx Context, body []byte) Result {
	defer func() { recover() }()

	working := string(body)
	changed := false

	for _, phase := range []string{"remove", "replace", "inject"} {
		for _, rule := range t.rules {
			if rule.cfg.Type != phase {
				continue
			}
			if !matchesWhen(ctx, rule.cfg.When) {
				continue
			}
			var out string
			var ok bool
			switch phase {
			case "remove":
				out, ok = applyRemove(working, rule)
			case "replace":
				out, ok = applyReplace(working, rule)
			case "inject":
				out, ok = applyInject(working, rule)
			}
			if ok {
				working = out
				changed = true
			}
		}
	}

	if !changed {
		return Result{Outcome: Unchanged}
	}
	return Result{Outcome: Modified, Body: []byte(working)}
}

func matchesWhen(ctx Context, when config.WhenCondition) bool {
	if when.TurnNumber != "" && !matchesNumberPredicate(when.TurnNumber, ctx.TurnNumber) {
		return false
	}
	if when.HasToolResults != "" && !matchesNumberPredicate(when.HasToolResults, ctx.HasToolResults) {
		return false
	}
	if when.ClientID != "" {
		matched := false
		for _, alt := range strings.Split(when.ClientID, "|") {
			if alt == ctx.ClientID {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// lastUserMessageText returns the path into the JSON body and the current
// text of the last user message's content, assuming an Anthropic-style
// {"messages":[{"role":"user","content":"..."}]} body. Non-string content
// (content-block arrays) is left untouched — this editor targets simple
// text messages only.
func lastUserMessageText(body string) (path string, text string, ok bool) {
	messages := gjson.Get(body, "messages")
	if !messages.IsArray() {
		return "", "", false
	}
	arr := messages.Array()
	for i := len(arr) - 1; i >= 0; i-- {
		if arr[i].Get("role").String() == "user" {
			content := arr[i].Get("content")
			if content.Type.String() == "String" {
				return fmt.Sprintf("messages.%d.content", i), content.String(), true
			}
			return "", "", false
		}
	}
	return "", "", false
}

func tagBlockPattern(tag, inner string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?s)<%s>%s</%s>`, regexp.QuoteMeta(tag), inner, regexp.QuoteMeta(tag)))
}

func applyRemove(body string, rule compiledTagRule) (string, bool) {
	path, text, ok := lastUserMessageText(body)
	if !ok || rule.pattern == nil {
		return body, false
	}
	re := tagBlockPattern(rule.cfg.Tag, rule.pattern.String())
	if !re.MatchString(text) {
		return body, false
	}
	newText := re.ReplaceAllString(text, "")
	out, err := sjson.Set(body, path, newText)
	if err != nil {
		return body, false
	}
	return out, true
}

func applyReplace(body string, rule compiledTagRule) (string, bool) {
	path, text, ok := lastUserMessageText(body)
	if !ok || rule.pattern == nil {
		return body, false
	}
	if !rule.pattern.MatchString(text) {
		return body, false
	}
	newText := rule.pattern.ReplaceAllString(text, rule.cfg.Replacement)
	out, err := sjson.Set(body, path, newText)
	if err != nil {
		return body, false
	}
	return out, true
}

func applyInject(body string, rule compiledTagRule) (string, bool) {
	block := fmt.Sprintf("<%s>%s</%s>", rule.cfg.Tag, rule.cfg.Content, rule.cfg.Tag)

	switch rule.cfg.Position {
	case "start_of_messages":
		messages := gjson.Get(body, "messages")
		if !messages.IsArray() || len(messages.Array()) == 0 {
			return body, false
		}
		first := messages.Array()[0]
		if first.Get("content").Type.String() != "String" {
			return body, false
		}
		newText := block + "\n" + first.Get("content").String()
		out, err := sjson.Set(body, "messages.0.content", newText)
		if err != nil {
			return body, false
		}
		return out, true

	case "end_of_last_user_message", "before_system_reminder", "":
		path, text, ok := lastUserMessageText(body)
		if !ok {
			return body, false
		}
		newText := text + "\n" + block
		out, err := sjson.Set(body, path, newText)
		if err != nil {
			return body, false
		}
		return out, true
	}
	return body, false
}
