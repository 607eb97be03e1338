// Package transport defines the outbound email transport contract.
//
// The engine performs a single synchronous call per unit and has no
// knowledge of the provider's own protocol. The ses subpackage provides an
// Amazon SES implementation; the bulkmail testing package provides a
// recording fake.
package transport

import (
	"context"

	"github.com/avylove/bulkmail/types"
)

// Sender delivers one email message per call.
//
// Implementations must be safe for concurrent use and honor context
// cancellation; the dispatch loop time-boxes every call.
type Sender interface {
	// Send submits one message to the provider.
	//
	// Parameters:
	//   - ctx: Context bounding the provider call
	//   - msg: The message to deliver
	//
	// Returns:
	//   - string: Provider message id on success
	//   - error: Provider or transport failure; retried by the dispatch loop
	Send(ctx context.Context, msg types.EmailMessage) (string, error)
}
