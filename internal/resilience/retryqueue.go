package resilience

import (
	"time"
)

// RetryEntry schedules another reconciliation attempt for a ticket whose feed
// fetch failed. Entries are removed once the ticket reconciles.
type RetryEntry struct {
	TicketID    string    `json:"ticket_id"`
	FeedURL     string    `json:"feed_url"`
	Error       string    `json:"error"`
	ErrorType   string    `json:"error_type"` // "transient" or "permanent"
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	CreatedAt   time.Time `json:"created_at"`
	LastFailed  time.Time `json:"last_failed_at"`
}

// RetryFilter selects due entries.
type RetryFilter struct {
	DueBefore time.Time `json:"due_before"`
	Limit     int       `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has attempts left.
func (e *RetryEntry) CanRetry() bool {
	return e.ErrorType != "permanent" && e.Attempts < e.MaxAttempts
}

// Classify returns "transient" or "permanent" for err.
func Classify(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

// Failed records another failed attempt on e (or starts a new entry when e is
// nil) and schedules the next one using p's backoff.
func Failed(e *RetryEntry, ticketID, feedURL string, err error, p Policy, now time.Time) RetryEntry {
	out := RetryEntry{
		TicketID:    ticketID,
		FeedURL:     feedURL,
		MaxAttempts: p.normalized().Attempts,
		CreatedAt:   now,
	}
	if e != nil {
		out = *e
		out.FeedURL = feedURL
	}
	out.Attempts++
	out.Error = err.Error()
	out.ErrorType = Classify(err)
	out.LastFailed = now
	out.NextRetryAt = now.Add(p.Backoff(out.Attempts - 1))
	return out
}
