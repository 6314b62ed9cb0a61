package store

// Package store persists the set of configured port mappings.
//
// The whole set is kept in a single JSON document keyed by listen port and is
// rewritten on every mutation. Read failures never stop the process: an
// unreadable document is moved aside and the built-in defaults take its place.
