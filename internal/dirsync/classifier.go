package dirsync

import (
	"time"
)

// Classify assigns the delta kind of a raw change. A tombstone is always a
// DELETE, even when the entry was never seen before.
func Classify(change RawChange, previouslyKnown bool) DeltaKind {
	switch {
	case change.Deleted:
		return DeltaDelete
	case !previouslyKnown:
		return DeltaCreate
	default:
		return DeltaUpdate
	}
}

// createdSince reports whether the change carries whenCreated at or after
// since. DirSync only returns attributes that changed and whenCreated is
// written once, so its presence on an incremental round marks a new entry.
func createdSince(change RawChange, since time.Time) bool {
	if change.Entry == nil {
		return false
	}

	value := change.Entry.GetAttributeValue("whenCreated")
	if value == "" {
		return false
	}

	created, err := parseGeneralizedTime(value)
	if err != nil {
		// Present but unparseable still means the attribute changed.
		return true
	}

	return !created.Before(since)
}
