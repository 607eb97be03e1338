// Package testing provides test helpers for the bulkmail engine.
//
// It contains an in-memory document store, a recording email sender, and a
// logger that writes to the test log. Consumers of the library can use these
// fakes to exercise the engine without MongoDB, Redis, or SES.
//
// Import with an alias to avoid clashing with the standard library:
//
//	bulktest "github.com/avylove/bulkmail/testing"
package testing
