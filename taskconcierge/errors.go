package taskconcierge

import "errors"

var (
	// ErrReplyTimeout is returned when a user doesn't reply to a prompt
	// in time
	ErrReplyTimeout = errors.New("timed out waiting for reply")

	ErrInvalidEmail = errors.New("invalid email address")

	// ErrMaxAttempts is returned when a user exhausts the allowed number
	// of attempts at answering a prompt
	ErrMaxAttempts = errors.New("maximum attempts reached")

	// ErrConnectionTimeout is returned when a connected account doesn't
	// become active before the connection timeout
	ErrConnectionTimeout = errors.New("timed out waiting for connection")

	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrWorkerBusy is returned when a user's worker is still handling a
	// previous mention
	ErrWorkerBusy = errors.New("user worker busy")

	errWorkerStopped = errors.New("user worker stopped")

	errMissingConnectedAccount = errors.New("broker returned no connected account ID")

	ErrIdentityNotFound = errors.New("identity not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrEntityNotFound   = errors.New("entity not found")
)
