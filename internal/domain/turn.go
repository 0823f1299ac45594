package domain

import "time"

// Turn is a single persisted question/answer exchange within a session.
// Turns are immutable once written; a session's history is append-only except
// for bulk deletion via the clear command.
type Turn struct {
	PK         string
	SK         string
	SessionKey string
	Question   string
	Answer     string
	// Size is len(question)+len(answer), computed at write time. Advisory.
	Size      int
	CreatedAt time.Time
	TTL       int64
}
