// Package transport runs HTTP requests asynchronously on behalf of the cache
// controller. Every request is a cancellable task whose terminal callback runs
// on the transport's goroutine; priority hints decide which concurrency pool a
// request waits on, so background prefetches never starve interactive fetches.
package transport
