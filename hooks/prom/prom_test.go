package promhooks

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(reg, "syncache")

	h.DuplicateRejected("k")
	h.DuplicateRejected("k")
	h.PublishFailed("slot", errors.New("x"))
	h.Published(7, 3)
	h.SelfHeal("slot:deductionsData", "corrupt")
	h.CacheHit("lawyer-app-static-v2.0")
	h.Revalidated("u", false)
	h.OfflineFallback("page")

	if got := testutil.ToFloat64(h.Duplicates); got != 2 {
		t.Fatalf("duplicates=%v", got)
	}
	if got := testutil.ToFloat64(h.PublishErrors.WithLabelValues("slot")); got != 1 {
		t.Fatalf("publish failures=%v", got)
	}
	if got := testutil.ToFloat64(h.LastGen); got != 7 {
		t.Fatalf("gen=%v", got)
	}
	if got := testutil.ToFloat64(h.Revalidations.WithLabelValues("false")); got != 1 {
		t.Fatalf("revalidated=%v", got)
	}

	expected := `
# HELP syncache_records Records in the last published snapshot
# TYPE syncache_records gauge
syncache_records 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "syncache_records"); err != nil {
		t.Fatal(err)
	}
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, "x")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate registration panic")
		}
	}()
	New(reg, "x")
}
