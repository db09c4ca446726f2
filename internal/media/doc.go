// Package media is the tiered cache controller. A lookup walks the memory tier,
// the session tier and the permanent disk tier in that order without touching
// the network. Fetches for the same identifier are coalesced onto one
// transport task whose result is fanned out to every waiter, and permanent
// caching records each blob in the persisted group index so that removing a
// group deletes exactly the items no other group still references.
package media
