package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/avylove/bulkmail/transport"
	"github.com/avylove/bulkmail/types"
)

// RecordingSender is a transport.Sender fake that records every accepted
// message and supports scripted failures per recipient.
type RecordingSender struct {
	mu       sync.Mutex
	sent     []types.EmailMessage
	failures map[string]int
	failAll  bool
	nextID   int
}

// Compile-time assertion that RecordingSender implements Sender.
var _ transport.Sender = (*RecordingSender)(nil)

// NewRecordingSender creates an empty recording sender.
//
// Returns:
//   - *RecordingSender: A new sender fake
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{failures: make(map[string]int)}
}

// FailNext makes the next n Send calls for recipient fail.
func (s *RecordingSender) FailNext(recipient string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[recipient] = n
}

// FailAlways toggles unconditional failure for every recipient.
func (s *RecordingSender) FailAlways(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failAll = fail
}

// Send records the message or returns a scripted failure.
func (s *RecordingSender) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAll {
		return "", fmt.Errorf("injected transport failure for %s", msg.Recipient)
	}

	if n := s.failures[msg.Recipient]; n > 0 {
		s.failures[msg.Recipient] = n - 1
		return "", fmt.Errorf("injected transport failure for %s", msg.Recipient)
	}

	s.nextID++
	s.sent = append(s.sent, msg)

	return fmt.Sprintf("msg-%04d", s.nextID), nil
}

// Sent returns a copy of all accepted messages in send order.
func (s *RecordingSender) Sent() []types.EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.EmailMessage, len(s.sent))
	copy(out, s.sent)

	return out
}

// SentCount returns the number of accepted messages.
func (s *RecordingSender) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sent)
}
