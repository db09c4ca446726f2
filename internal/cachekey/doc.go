// Package cachekey derives stable cache identities from resource URLs. Media
// URLs following the upload repository schema collapse to "<host>__<name>"
// regardless of scheme, query string or requested width; the width becomes a
// separate integer variant. Everything else falls back to the normalised
// absolute URL so every input still maps to a deterministic key.
package cachekey
