package solo

// AcquireOutcome is the result of one attempt to take ownership of a channel.
type AcquireOutcome string

const (
	AcquireOutcomeAcquired     AcquireOutcome = "acquired"
	AcquireOutcomeAlreadyOwned AcquireOutcome = "already_owned"
	AcquireOutcomeError        AcquireOutcome = "error"
)

// HandoffResult is the result of one attempt to send a handoff.
type HandoffResult string

const (
	HandoffResultDelivered HandoffResult = "delivered"
	HandoffResultNoOwner   HandoffResult = "no_owner"
	HandoffResultFailed    HandoffResult = "failed"
)

// MetricsCollector defines the interface for collecting single-instance metrics
type MetricsCollector interface {
	// AcquireOutcome records one ownership attempt
	AcquireOutcome(outcome AcquireOutcome)

	// HandoffSent records one attempt by a secondary launch to hand off
	HandoffSent(result HandoffResult)

	// HandoffReceived records a handoff decoded by the primary
	HandoffReceived()

	// DecodeFailure records a connection dropped by the primary because its
	// handoff could not be read
	DecodeFailure()

	// CallbackPanic records a callback invocation that panicked
	CallbackPanic()
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) AcquireOutcome(outcome AcquireOutcome) {}
func (n *noopMetricsCollector) HandoffSent(result HandoffResult)      {}
func (n *noopMetricsCollector) HandoffReceived()                      {}
func (n *noopMetricsCollector) DecodeFailure()                        {}
func (n *noopMetricsCollector) CallbackPanic()                        {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
