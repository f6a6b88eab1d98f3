package transform

import (
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"aspyx/internal/config"
)

// SystemEditor modifies the request's system field (string or array of
// typed text blocks) via append/prepend/replace rules.
type SystemEditor struct {
	rules []compiledSystemRule
}

type compiledSystemRule struct {
	cfg     config.SystemEditorRule
	pattern *regexp.Regexp
}

func NewSystemEditor(cfg config.SystemEditorConfig) *SystemEditor {
	se := &SystemEditor{}
	for _, r := range cfg.Rules {
		cr := compiledSystemRule{cfg: r}
		if r.Type == "replace" && r.Pattern != "" {
			if re, err := regexp.Compile(r.Pattern); err == nil {
				cr.pattern = re
			}
		}
		se.rules = append(se.rules, cr)
	}
	return se
}

func (s *SystemEditor) Name() string { return "system-editor" }

func (s *SystemEditor) Apply(_ Context, body []byte) Result {
	defer func() { recover() }()

	system := gjson.GetBytes(body, "system")
	if !system.Exists() {
		return Result{Outcome: Unchanged}
	}

	switch system.Type.String() {
	case "String":
		text := system.String()
		changed := false
		for _, r := range s.rules {
			newText, ok := applySystemRule(text, r)
			if ok {
				text = newText
				changed = true
			}
		}
		if !changed {
			return Result{Outcome: Unchanged}
		}
		out, err := sjson.SetBytes(body, "system", text)
		if err != nil {
			return Result{Outcome: Failed, Err: err}
		}
		return Result{Outcome: Modified, Body: out}

	case "JSON":
		if !system.IsArray() {
			return Result{Outcome: Unchanged}
		}
		working := body
		changed := false
		blocks := system.Array()
		for i, block := range blocks {
			if block.Get("type").String() != "text" {
				continue
			}
			text := block.Get("text").String()
			newText := text
			blockChanged := false
			for _, r := range s.rules {
				t, ok := applySystemRule(newText, r)
				if ok {
					newText = t
					blockChanged = true
				}
			}
			if blockChanged {
				path := systemBlockPath(i)
				out, err := sjson.SetBytes(working, path, newText)
				if err != nil {
					return Result{Outcome: Failed, Err: err}
				}
				working = out
				changed = true
			}
		}
		if !changed {
			return Result{Outcome: Unchanged}
		}
		return Result{Outcome: Modified, Body: working}
	}

	return Result{Outcome: Unchanged}
}

func systemBlockPath(i int) string {
	return "system." + itoa(i) + ".text"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func applySystemRule(text string, r compiledSystemRule) (string, bool) {
	switch r.cfg.Type {
	case "append":
		return text + r.cfg.Content, true
	case "prepend":
		return r.cfg.Content + text, true
	case "replace":
		if r.pattern == nil || !r.pattern.MatchString(text) {
			return text, false
		}
		return r.pattern.ReplaceAllString(text, r.cfg.Replacement), true
	}
	return text, false
}
