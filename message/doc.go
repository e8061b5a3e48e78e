// Package message defines the domain records exchanged and persisted
// by newswire (announcements, their translations, per-user read state,
// and per-source protocol state) together with the storage and
// identity abstractions the engine runs against.
//
// Lookup methods return an explicit found flag or ErrNotFound; absence
// of a record is an expected condition, not an exception path.
package message
