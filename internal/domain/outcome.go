package domain

// DeliveryOutcome is the result of delivering one payload to one endpoint.
// Outcomes are correlated by endpoint, never by send order.
type DeliveryOutcome struct {
	Endpoint   string
	Success    bool
	StatusCode int
	Reason     string
	// Retryable marks transient failures (throttling, push service errors,
	// network errors). Those endpoints are kept and the delivery retried.
	Retryable bool
}

// Rejected reports a permanent rejection of the endpoint.
func (o DeliveryOutcome) Rejected() bool {
	return !o.Success && !o.Retryable
}
