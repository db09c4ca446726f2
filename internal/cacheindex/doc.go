// Package cacheindex persists which blobs the permanent cache holds and which
// cache groups reference them. Records live in a SQLite file managed through
// GORM; every read and write is funnelled through one executor goroutine so
// group membership changes never race.
package cacheindex
