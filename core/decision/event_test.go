package decision

import (
	"reflect"
	"testing"
)

func TestPIITypesFlattensAndDedups(t *testing.T) {
	ev := &Event{DetectorSummary: map[string]any{
		"pii": []any{
			map[string]any{"type": "EMAIL", "value": "[redacted]"},
			map[string]any{"type": "SSN"},
			map[string]any{"type": "EMAIL"},
			map[string]any{"value": "no type"},
		},
	}}
	got := ev.PIITypes()
	want := []string{"EMAIL", "SSN"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestPIITypesNestedFindings(t *testing.T) {
	ev := &Event{DetectorSummary: map[string]any{
		"pii": map[string]any{
			"findings": []any{
				map[string]any{"type": "PHONE"},
			},
		},
	}}
	got := ev.PIITypes()
	if len(got) != 1 || got[0] != "PHONE" {
		t.Fatalf("unexpected types: %v", got)
	}
}

func TestPIITypesEmpty(t *testing.T) {
	if got := (&Event{}).PIITypes(); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	var nilEv *Event
	if got := nilEv.PIITypes(); got != nil {
		t.Fatalf("expected nil for nil event, got %v", got)
	}
}

func TestReasons(t *testing.T) {
	ev := &Event{DetectorSummary: map[string]any{
		"reasons": []any{"pii.email", "", "policy.block"},
	}}
	got := ev.Reasons()
	want := []string{"pii.email", "policy.block"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
