// Package cache implements the permanent blob store: one flat file per cache
// identifier under a single directory, written through temp file + rename so
// readers never observe partial blobs. The declared MIME type travels with the
// blob as an extended file attribute (with a hidden sidecar file on
// filesystems that reject user xattrs). Moves into the store are idempotent:
// an already-present destination counts as success.
package cache
