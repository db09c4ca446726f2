// Package poller detects server-side content changes by issuing conditional
// HEAD requests with exponential backoff until the entity tag differs from the
// one the caller already holds.
package poller
