// Package testutil provides a scriptable in-memory transport for unit tests.
// Nothing is asynchronous: callbacks run on the caller's goroutine the
// moment a test triggers them.
package testutil
