package notify

import (
	"time"

	"github.com/google/uuid"
	"github.com/unkn0wn-root/syncache"
)

// EventDeductionsUpdated is the type of every snapshot event sent off-process.
const EventDeductionsUpdated = "deductionsUpdated"

// Event is the JSON body shipped to external transports (Kafka, ZeroMQ).
type Event struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Gen        uint64               `json:"gen"`
	Count      int                  `json:"count"`
	Deductions []syncache.Deduction `json:"deductions"`
	At         time.Time            `json:"at"`
}

func NewEvent(s syncache.Snapshot) Event {
	recs := s.Records
	if recs == nil {
		recs = []syncache.Deduction{}
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       EventDeductionsUpdated,
		Gen:        s.Gen,
		Count:      len(recs),
		Deductions: recs,
		At:         s.At,
	}
}
