package syncache

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIdentityKey(t *testing.T) {
	d := Deduction{CaseNumber: " 12 3", Amount: decimal.RequireFromString("100.50"), Date: "2024-01-01", PlaintiffName: "Acme Co"}
	if got := IdentityKey(d); got != "123_100.5_2024-01-01_AcmeCo" {
		t.Fatalf("got %q", got)
	}
	d.DefendantName = "Jane\tRoe"
	if got := IdentityKey(d); got != "123_100.5_2024-01-01_JaneRoe" {
		t.Fatalf("defendant should win: %q", got)
	}
}

func TestPatchFieldsAndApply(t *testing.T) {
	amt := decimal.NewFromInt(7)
	status := "paid"
	p := Patch{Amount: &amt, Status: &status}

	f := p.Fields()
	if len(f) != 2 || f["status"] != "paid" {
		t.Fatalf("fields=%v", f)
	}
	if _, ok := f["notes"]; ok {
		t.Fatalf("unset field leaked")
	}
	d := p.Apply(Deduction{ID: 1, Notes: "keep", Status: "received"})
	if d.Status != "paid" || !d.Amount.Equal(amt) || d.Notes != "keep" || d.ID != 1 {
		t.Fatalf("applied %+v", d)
	}
	if !(Patch{}).Empty() {
		t.Fatalf("zero patch should be empty")
	}
}

func TestRemoteKey(t *testing.T) {
	if RemoteKey(1704067200123) != "deduction_1704067200123" {
		t.Fatalf("got %s", RemoteKey(1704067200123))
	}
}

func TestDefaultsOverride(t *testing.T) {
	d := Defaults{Status: "pending"}.withFallback()
	if d.Status != "pending" || d.Source != DefaultValues.Source {
		t.Fatalf("got %+v", d)
	}
}
