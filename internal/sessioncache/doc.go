// Package sessioncache is the in-process HTTP response tier. Entries are keyed
// by the literal request URL (scheme and query included), bounded by total body
// bytes and dropped when the process exits.
package sessioncache
