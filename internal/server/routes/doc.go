// Package routes registers the HTTP surface of the cache service: media
// lookups and fetches, permanent group management, change polling and the
// /-/ diagnostics endpoints. Handlers depend on small interfaces so tests can
// inject fakes.
package routes
