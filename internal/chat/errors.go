package chat

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument is returned for malformed caller input. Nothing is
	// mutated when it is returned.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a user, conversation or message ID does
	// not resolve.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation needs context that is not
	// present, such as sending with no active conversation.
	ErrInvalidState = errors.New("invalid state")

	// ErrDelivery marks transport commit failures. It is recorded on the
	// message rather than returned to the sender.
	ErrDelivery = errors.New("delivery failed")
)

const (
	reasonCancelled   = "cancelled"
	reasonInterrupted = "interrupted"
)
