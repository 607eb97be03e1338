package types

import (
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

// Subscriber states.
const (
	SubscriberConfirmed    SubscriberStatus = "confirmed"
	SubscriberUnconfirmed  SubscriberStatus = "unconfirmed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
	SubscriberComplained   SubscriberStatus = "complained"
)

// SubscriberRecord is one subscriber entry flowing through the ingestion
// pipeline, pre-persistence.
//
// The persisted identity is (Email, List). Uniqueness is enforced by upsert
// semantics rather than a hard unique index, because list membership is
// many-to-one per email tenant-wide.
type SubscriberRecord struct {
	Email          string           `bson:"email" json:"email"`
	List           string           `bson:"list" json:"list"`
	Status         SubscriberStatus `bson:"status" json:"status"`
	EmailHash      string           `bson:"email_hash" json:"-"`
	StandardFields map[string]any   `bson:"standard_fields,omitempty" json:"standard_fields,omitempty"`
	CustomFields   map[string]any   `bson:"custom_fields,omitempty" json:"custom_fields,omitempty"`
}

// Normalize canonicalizes the record in place before persistence: the email
// is trimmed and lower-cased, a stable hash of the normalized email is
// computed, and a missing status defaults to SubscriberUnconfirmed.
//
// Returns:
//   - error: ErrInvalidEmail if the email is empty or has no local/domain part
func (r *SubscriberRecord) Normalize() error {
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))

	at := strings.Index(r.Email, "@")
	if at <= 0 || at == len(r.Email)-1 {
		return ErrInvalidEmail
	}

	r.EmailHash = strconv.FormatUint(xxh3.HashString(r.Email), 16)

	if r.Status == "" {
		r.Status = SubscriberUnconfirmed
	}

	return nil
}

// Key returns the natural identity of the record within its list.
//
// Returns:
//   - string: "<email>|<list>", stable across re-runs of the same chunk
func (r *SubscriberRecord) Key() string {
	return r.Email + "|" + r.List
}
