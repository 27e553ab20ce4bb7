package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
// All keys of a namespace share one hash tag so multi-key transactions stay
// on a single cluster slot.

// Space holds all precomputed keys for a namespace to avoid repeated concatenations.
type Space struct {
	// Prefix is prepended to a task id to form its record key.
	Prefix string
	// Expiry is a ZSET of task ids scored by expires_at in ms.
	Expiry string
	// Live is a SET of ids that have not reached a terminal state.
	Live string
}

// For returns the set of precomputed keys for the provided namespace.
func For(ns string) Space {
	prefix := "convq:{" + ns + "}:"
	return Space{
		Prefix: prefix + "task:",
		Expiry: prefix + "expiry",
		Live:   prefix + "live",
	}
}

// Task returns the record key for id.
func (s Space) Task(id string) string { return s.Prefix + id }

// TaskID strips the record prefix from a key. It returns "" for foreign keys.
func (s Space) TaskID(key string) string {
	if len(key) <= len(s.Prefix) || key[:len(s.Prefix)] != s.Prefix {
		return ""
	}
	return key[len(s.Prefix):]
}
