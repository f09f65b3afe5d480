package syncache

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// Deduction is a financial adjustment tied to a legal case.
// Date is YYYY-MM-DD; CreatedAt is RFC 3339.
type Deduction struct {
	ID            int64           `json:"id"`
	CaseID        string          `json:"caseId"`
	CaseNumber    string          `json:"caseNumber"`
	DefendantName string          `json:"defendantName"`
	PlaintiffName string          `json:"plaintiffName"`
	Source        string          `json:"source"`
	LawyerID      string          `json:"lawyerId"`
	LawyerName    string          `json:"lawyerName"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Notes         string          `json:"notes"`
	Date          string          `json:"date"`
	CreatedAt     string          `json:"createdAt"`
	CreatedBy     string          `json:"createdBy"`
}

// Input is what callers supply to Create. CaseNumber, Amount and Date are
// required; CaseTitle stands in for a missing PlaintiffName.
type Input struct {
	CaseID        string          `json:"caseId,omitempty"`
	CaseNumber    string          `json:"caseNumber"`
	CaseTitle     string          `json:"caseTitle,omitempty"`
	DefendantName string          `json:"defendantName,omitempty"`
	PlaintiffName string          `json:"plaintiffName,omitempty"`
	Source        string          `json:"source,omitempty"`
	LawyerID      string          `json:"lawyerId,omitempty"`
	LawyerName    string          `json:"lawyerName,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type,omitempty"`
	Status        string          `json:"status,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Date          string          `json:"date"`
	CreatedBy     string          `json:"createdBy,omitempty"`
}

// InputOf turns a stored record back into create input (used by Reconcile).
func InputOf(d Deduction) Input {
	return Input{
		CaseID:        d.CaseID,
		CaseNumber:    d.CaseNumber,
		DefendantName: d.DefendantName,
		PlaintiffName: d.PlaintiffName,
		Source:        d.Source,
		LawyerID:      d.LawyerID,
		LawyerName:    d.LawyerName,
		Amount:        d.Amount,
		Type:          d.Type,
		Status:        d.Status,
		Notes:         d.Notes,
		Date:          d.Date,
		CreatedBy:     d.CreatedBy,
	}
}

func (in Input) validate() error {
	var missing []string
	if strings.TrimSpace(in.CaseNumber) == "" {
		missing = append(missing, "caseNumber")
	}
	if in.Amount.IsZero() {
		missing = append(missing, "amount")
	}
	if strings.TrimSpace(in.Date) == "" {
		missing = append(missing, "date")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// build normalizes in into a full record. The identity key is computed from
// the result, so a record and its remote echo always agree.
func (d Defaults) build(in Input, id int64, now time.Time) Deduction {
	return Deduction{
		ID:            id,
		CaseID:        coalesce(in.CaseID, in.CaseNumber),
		CaseNumber:    in.CaseNumber,
		DefendantName: coalesce(in.DefendantName, d.Counterparty),
		PlaintiffName: coalesce(coalesce(in.PlaintiffName, in.CaseTitle), d.Counterparty),
		Source:        coalesce(in.Source, d.Source),
		LawyerID:      in.LawyerID,
		LawyerName:    in.LawyerName,
		Amount:        in.Amount,
		Type:          coalesce(in.Type, d.Type),
		Status:        coalesce(in.Status, d.Status),
		Notes:         in.Notes,
		Date:          in.Date,
		CreatedAt:     now.UTC().Format(time.RFC3339),
		CreatedBy:     coalesce(in.CreatedBy, d.CreatedBy),
	}
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	CaseID        *string          `json:"caseId,omitempty"`
	CaseNumber    *string          `json:"caseNumber,omitempty"`
	DefendantName *string          `json:"defendantName,omitempty"`
	PlaintiffName *string          `json:"plaintiffName,omitempty"`
	Source        *string          `json:"source,omitempty"`
	LawyerID      *string          `json:"lawyerId,omitempty"`
	LawyerName    *string          `json:"lawyerName,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Type          *string          `json:"type,omitempty"`
	Status        *string          `json:"status,omitempty"`
	Notes         *string          `json:"notes,omitempty"`
	Date          *string          `json:"date,omitempty"`
}

// Fields returns only the set fields, keyed by their JSON names. This is the
// partial document sent to the remote store.
func (p Patch) Fields() map[string]any {
	out := make(map[string]any)
	str := func(name string, v *string) {
		if v != nil {
			out[name] = *v
		}
	}
	str("caseId", p.CaseID)
	str("caseNumber", p.CaseNumber)
	str("defendantName", p.DefendantName)
	str("plaintiffName", p.PlaintiffName)
	str("source", p.Source)
	str("lawyerId", p.LawyerID)
	str("lawyerName", p.LawyerName)
	if p.Amount != nil {
		out["amount"] = *p.Amount
	}
	str("type", p.Type)
	str("status", p.Status)
	str("notes", p.Notes)
	str("date", p.Date)
	return out
}

func (p Patch) Empty() bool { return len(p.Fields()) == 0 }

func (p Patch) Apply(d Deduction) Deduction {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&d.CaseID, p.CaseID)
	set(&d.CaseNumber, p.CaseNumber)
	set(&d.DefendantName, p.DefendantName)
	set(&d.PlaintiffName, p.PlaintiffName)
	set(&d.Source, p.Source)
	set(&d.LawyerID, p.LawyerID)
	set(&d.LawyerName, p.LawyerName)
	if p.Amount != nil {
		d.Amount = *p.Amount
	}
	set(&d.Type, p.Type)
	set(&d.Status, p.Status)
	set(&d.Notes, p.Notes)
	set(&d.Date, p.Date)
	return d
}

// IdentityKey is "<caseNumber>_<amount>_<date>_<counterparty>" with all
// whitespace removed. The counterparty is the defendant, else the plaintiff.
func IdentityKey(d Deduction) string {
	party := d.DefendantName
	if party == "" {
		party = d.PlaintiffName
	}
	raw := d.CaseNumber + "_" + d.Amount.String() + "_" + d.Date + "_" + party
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
}

// RemoteKey is the document key a record is stored under.
func RemoteKey(id int64) string { return "deduction_" + strconv.FormatInt(id, 10) }

// Case is the slice of a case aggregate document the manager reads. Other
// fields of the document are never rewritten.
type Case struct {
	CaseNumber string          `json:"caseNumber"`
	Deductions decimal.Decimal `json:"deductions"`
	LastUpdate string          `json:"lastUpdate"`
}

// Snapshot is what a publish carries: every cached record, sorted by ID.
type Snapshot struct {
	Gen     uint64      `json:"gen"`
	Records []Deduction `json:"deductions"`
	At      time.Time   `json:"at"`
}

// Result is the outcome of a mutation in the form callers that do not want
// errors expect: {success:false, error} instead of a Go error.
type Result struct {
	Success   bool       `json:"success"`
	Deduction *Deduction `json:"deduction,omitempty"`
	RemoteKey string     `json:"remoteKey,omitempty"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Existing  *Deduction `json:"existing,omitempty"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
}
