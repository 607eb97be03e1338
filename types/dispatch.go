package types

import "time"

// OutcomeStatus enumerates per-send-attempt results.
type OutcomeStatus string

// Dispatch outcome states.
const (
	// OutcomeSubmitted means the transport accepted the message.
	OutcomeSubmitted OutcomeStatus = "submitted"

	// OutcomeRateLimited means the unit was disallowed twice in a row by the
	// rate limiter and was converted to an outcome instead of blocking.
	OutcomeRateLimited OutcomeStatus = "rate_limited"

	// OutcomeFailed means the transport rejected the message on every
	// attempt within the retry budget.
	OutcomeFailed OutcomeStatus = "failed"
)

// EmailMessage is one outbound email unit handed to the transport.
type EmailMessage struct {
	Sender    string `bson:"sender" json:"sender"`
	Recipient string `bson:"recipient" json:"recipient"`
	Subject   string `bson:"subject" json:"subject"`
	HTMLBody  string `bson:"html_body" json:"html_body"`
	TextBody  string `bson:"text_body,omitempty" json:"text_body,omitempty"`
}

// DispatchOutcome is the result of dispatching one email unit, covering all
// retry attempts made for it.
type DispatchOutcome struct {
	Status    OutcomeStatus `bson:"status" json:"status"`
	Recipient string        `bson:"recipient" json:"recipient"`
	MessageID string        `bson:"message_id,omitempty" json:"message_id,omitempty"`
	Error     string        `bson:"error,omitempty" json:"error,omitempty"`
	Attempts  int           `bson:"attempts" json:"attempts"`
	Timestamp time.Time     `bson:"timestamp" json:"timestamp"`
}

// DeadLetterRecord preserves a unit of work that exhausted its retry budget.
// Dead letters are set aside for manual or offline handling, never dropped.
type DeadLetterRecord struct {
	OriginalPayload EmailMessage `bson:"original_payload" json:"original_payload"`
	FailureReason   string       `bson:"failure_reason" json:"failure_reason"`
	AttemptCount    int          `bson:"attempt_count" json:"attempt_count"`
	FirstFailedAt   time.Time    `bson:"first_failed_at" json:"first_failed_at"`
	LastFailedAt    time.Time    `bson:"last_failed_at" json:"last_failed_at"`
}
