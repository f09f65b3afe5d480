package syncache

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// recomputeCase sets the case total to the sum of cached records for it.
func (m *manager) recomputeCase(ctx context.Context, caseNumber string) {
	total := decimal.Zero
	for _, d := range m.ByCase(caseNumber) {
		total = total.Add(d.Amount)
	}
	m.writeCaseTotal(ctx, caseNumber, func(decimal.Decimal) decimal.Decimal { return total })
}

// adjustCase adds delta to the stored case total.
func (m *manager) adjustCase(ctx context.Context, caseNumber string, delta decimal.Decimal) {
	m.writeCaseTotal(ctx, caseNumber, func(cur decimal.Decimal) decimal.Decimal { return cur.Add(delta) })
}

// writeCaseTotal never fails the caller: a missing case is logged, errors are
// logged and reported through hooks. Totals are clamped at zero.
func (m *manager) writeCaseTotal(ctx context.Context, caseNumber string, next func(decimal.Decimal) decimal.Decimal) {
	key, c, err := m.findCase(ctx, caseNumber)
	if err != nil {
		m.aggregateFailed(caseNumber, err)
		return
	}
	if key == "" {
		m.log.Warn("case not found; total not updated", Fields{"case": caseNumber})
		return
	}

	total := next(c.Deductions)
	if total.IsNegative() {
		total = decimal.Zero
	}
	err = m.store.Update(ctx, m.casesPath, key, map[string]any{
		"deductions": json.Number(total.String()),
		"lastUpdate": m.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		m.aggregateFailed(caseNumber, err)
		return
	}
	m.log.Debug("case total updated", Fields{"case": caseNumber, "total": total.String()})
}

// findCase scans the case collection for caseNumber. "" means not found.
func (m *manager) findCase(ctx context.Context, caseNumber string) (string, Case, error) {
	docs, err := m.store.Get(ctx, m.casesPath)
	if err != nil {
		return "", Case{}, err
	}
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var c Case
		if err := json.Unmarshal(docs[k], &c); err != nil {
			continue
		}
		if c.CaseNumber == caseNumber {
			return k, c, nil
		}
	}
	return "", Case{}, nil
}

func (m *manager) aggregateFailed(caseNumber string, err error) {
	m.hooks.AggregateFailed(caseNumber, err)
	m.log.Error("case total update failed", Fields{"case": caseNumber, "err": err})
}
