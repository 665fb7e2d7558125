package domain

import "errors"

// Error taxonomy shared by the queue adapter and its callers.
var (
	// ErrConnection reports that the broker is unreachable or the channel is closed.
	ErrConnection = errors.New("rabbitq: broker connection error")
	// ErrPublish reports that the broker rejected or never received a publish.
	ErrPublish = errors.New("rabbitq: publish failed")
	// ErrMalformedPayload reports a message body that is not a valid job envelope.
	ErrMalformedPayload = errors.New("rabbitq: malformed payload")
	// ErrPrecondition reports a misuse of a job lease, such as a double ack.
	ErrPrecondition = errors.New("rabbitq: precondition violation")

	ErrEmptyJobName       = errors.New("rabbitq: job name must not be empty")
	ErrEmptyQueueName     = errors.New("rabbitq: queue name must not be empty")
	ErrNegativeDelay      = errors.New("rabbitq: delay must be >= 0")
	ErrDurabilityConflict = errors.New("rabbitq: queue already declared with different durability")
)
