package models

import "time"

// RetroRecord is a finished retrospective handed to the record sink.
type RetroRecord struct {
	UserID string `json:"user_id" toml:"user_id"`
	// Answers holds every question step; skipped steps carry Skipped.
	Answers     map[Step]Value `json:"answers" toml:"answers"`
	StartedAt   time.Time      `json:"started_at" toml:"started_at"`
	CompletedAt time.Time      `json:"completed_at" toml:"completed_at"`
}

// NewRetroRecord snapshots a completed session.
func NewRetroRecord(s *Session, completedAt time.Time) RetroRecord {
	answers := make(map[Step]Value, len(Sequence))
	for _, step := range Sequence {
		v, ok := s.Answers[step]
		if !ok {
			v = Skipped
		}
		answers[step] = v
	}
	return RetroRecord{
		UserID:      s.UserID,
		Answers:     answers,
		StartedAt:   s.CreatedAt,
		CompletedAt: completedAt,
	}
}

// Date is the calendar day the record belongs to, used to key stored records.
func (r RetroRecord) Date() string {
	return r.CompletedAt.Format(time.DateOnly)
}
