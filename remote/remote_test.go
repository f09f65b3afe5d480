package remote

import (
	"encoding/json"
	"testing"
)

func TestMergeKeepsUntouchedFields(t *testing.T) {
	doc := []byte(`{"caseNumber":"123","deductions":250.5,"judge":"x"}`)
	out, err := Merge(doc, map[string]any{"deductions": json.Number("300"), "lastUpdate": "2024-01-02T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if got["judge"] != "x" || got["caseNumber"] != "123" {
		t.Fatalf("untouched fields lost: %s", out)
	}
	if got["deductions"] != float64(300) || got["lastUpdate"] != "2024-01-02T00:00:00Z" {
		t.Fatalf("patch not applied: %s", out)
	}
}

func TestMergeRejectsNonObject(t *testing.T) {
	if _, err := Merge([]byte(`[1,2]`), map[string]any{"a": 1}); err == nil {
		t.Fatalf("expected error merging into array")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{Path: "p", Kind: Removed, Key: "deduction_1", Value: json.RawMessage(`{"id":1}`)}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Envelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	ev := out.Event()
	if ev.Kind != Removed || ev.Key != "deduction_1" || string(ev.Value) != `{"id":1}` {
		t.Fatalf("got %+v", ev)
	}
	var none Envelope
	_ = json.Unmarshal([]byte(`{"path":"p","kind":"added","key":"k"}`), &none)
	if none.Event().Value != nil {
		t.Fatalf("absent value should stay nil")
	}
}
