package syncache

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Defaults fill optional record fields on create. Zero fields fall back to
// DefaultValues.
type Defaults struct {
	Counterparty string // defendant and plaintiff
	Source       string
	Type         string
	Status       string
	CreatedBy    string
}

var DefaultValues = Defaults{
	Counterparty: "unspecified",
	Source:       "court of first instance",
	Type:         "deduction",
	Status:       "received",
	CreatedBy:    "system",
}

func (d Defaults) withFallback() Defaults {
	return Defaults{
		Counterparty: coalesce(d.Counterparty, DefaultValues.Counterparty),
		Source:       coalesce(d.Source, DefaultValues.Source),
		Type:         coalesce(d.Type, DefaultValues.Type),
		Status:       coalesce(d.Status, DefaultValues.Status),
		CreatedBy:    coalesce(d.CreatedBy, DefaultValues.CreatedBy),
	}
}
