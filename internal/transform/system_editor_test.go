package transform

import (
	"testing"

	"github.com/tidwall/gjson"

	"aspyx/internal/config"
)

func TestSystemEditor_NoSystemField(t *testing.T) {
	se := NewSystemEditor(config.SystemEditorConfig{Rules: []config.SystemEditorRule{
		{Type: "append", Content: "x"},
	}})
	res := se.Apply(Context{}, []byte(`{"messages":[]}`))
	if res.Outcome != Unchanged {
		t.Errorf("Outcome = %v", res.Outcome)
	}
}

func TestSystemEditor_StringAppendPrepend(t *testing.T) {
	se := NewSystemEditor(config.SystemEditorConfig{Rules: []config.SystemEditorRule{
		{Type: "prepend", Content: "PRE "},
		{Type: "append", Content: " POST"},
	}})
	res := se.Apply(Context{}, []byte(`{"system":"base"}`))
	if res.Outcome != Modified {
		t.Fatalf("Outcome = %v", res.Outcome)
	}
	got := gjson.GetBytes(res.Body, "system").String()
	if got != "PRE base POST" {
		t.Errorf("system = %q", got)
	}
}

func TestSystemEditor_StringReplace(t *testing.T) {
	se := NewSystemEditor(config.SystemEditorConfig{Rules: []config.SystemEditorRule{
		{Type: "replace", Pattern: `You are \w+`, Replacement: "You are renamed"},
	}})
	res := se.Apply(Context{}, []byte(`{"system":"You are Claude, a helpful assistant."}`))
	if res.Outcome != Modified {
		t.Fatalf("Outcome = %v", res.Outcome)
	}
	got := gjson.GetBytes(res.Body, "system").String()
	if got != "You are renamed, a helpful assistant." {
		t.Errorf("system = %q", got)
	}
}

func TestSystemEditor_ReplaceNoMatchIsUnchanged(t *testing.T) {
	se := NewSystemEditor(config.SystemEditorConfig{Rules: []config.SystemEditorRule{
		{Type: "replace", Pattern: "absent", Replacement: "x"},
	}})
	res := se.Apply(Context{}, []byte(`{"system":"text"}`))
	if res.Outcome != Unchanged {
		t.Errorf("Outcome = %v", res.Outcome)
	}
}

func TestSystemEditor_BlockArray(t *testing.T) {
	se := NewSystemEditor(config.SystemEditorConfig{Rules: []config.SystemEditorRule{
		{Type: "append", Content: "!"},
	}})
	in := []byte(`{"system":[{"type":"text","text":"first"},{"type":"image","source":{}},{"type":"text","text":"second"}]}`)
	res := se.Apply(Context{}, in)
	if res.Outcome != Modified {
		t.Fatalf("Outcome = %v", res.Outcome)
	}
	if got := gjson.GetBytes(res.Body, "system.0.text").String(); got != "first!" {
		t.Errorf("block 0 = %q", got)
	}
	if got := gjson.GetBytes(res.Body, "system.2.text").String(); got != "second!" {
		t.Errorf("block 2 = %q", got)
	}
	// The non-text block must be untouched.
	if got := gjson.GetBytes(res.Body, "system.1.type").String(); got != "image" {
		t.Errorf("block 1 type = %q", got)
	}
}
