package recon

import (
	"errors"
	"fmt"

	"github.com/sells-group/recon-cli/internal/resilience"
	"github.com/sells-group/recon-cli/internal/store"
)

// Error kinds reported in results.
const (
	KindInput         = "input"
	KindNotFound      = "not_found"
	KindExternalFetch = "external_fetch"
	KindConsistency   = "consistency"
	KindConfig        = "config"
	KindInternal      = "internal"
)

// InputError is a malformed request: a missing id, an unknown entity type,
// an illegal status transition.
type InputError struct {
	Msg string
	Err error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recon: %s: %v", e.Msg, e.Err)
	}
	return "recon: " + e.Msg
}

func (e *InputError) Unwrap() error { return e.Err }

// NotFoundError names a ticket or event that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("recon: %s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// ExternalFetchError is a feed that could not be loaded. Retryable is set
// for timeouts, network failures, 5xx/429 responses and open breakers.
type ExternalFetchError struct {
	FeedURL   string
	Retryable bool
	Err       error
}

func (e *ExternalFetchError) Error() string {
	return fmt.Sprintf("recon: fetch feed %s: %v", e.FeedURL, e.Err)
}

func (e *ExternalFetchError) Unwrap() error { return e.Err }

// ConsistencyError is an event that references a ticket that no longer exists.
type ConsistencyError struct {
	EventID  string
	TicketID string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("recon: event %s references missing ticket %s", e.EventID, e.TicketID)
}

// ConfigError is invalid engine configuration. It aborts a run before any work.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "recon: invalid config: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

func newFetchError(feedURL string, err error) *ExternalFetchError {
	return &ExternalFetchError{
		FeedURL:   feedURL,
		Retryable: resilience.IsTransient(err) || errors.Is(err, resilience.ErrBreakerOpen),
		Err:       err,
	}
}

func notFound(entity, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id, Err: err}
	}
	return err
}

// Kind classifies err into one of the result error kinds.
func Kind(err error) string {
	var (
		inputErr  *InputError
		nfErr     *NotFoundError
		fetchErr  *ExternalFetchError
		consErr   *ConsistencyError
		configErr *ConfigError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &configErr):
		return KindConfig
	case errors.As(err, &inputErr):
		return KindInput
	case errors.As(err, &nfErr):
		return KindNotFound
	case errors.As(err, &fetchErr):
		return KindExternalFetch
	case errors.As(err, &consErr):
		return KindConsistency
	default:
		return KindInternal
	}
}

// IsRetryable reports whether err is a fetch failure worth another attempt.
func IsRetryable(err error) bool {
	var fetchErr *ExternalFetchError
	return errors.As(err, &fetchErr) && fetchErr.Retryable
}
