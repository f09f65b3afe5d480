package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/unkn0wn-root/syncache"
)

func TestWritesLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Debug("hidden", syncache.Fields{"x": 1})
	l.Error("aggregate failed", syncache.Fields{"case": "123", "err": errors.New("boom")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%q", lines)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["level"] != "error" || rec["message"] != "aggregate failed" || rec["case"] != "123" || rec["err"] != "boom" {
		t.Fatalf("record=%v", rec)
	}
}
