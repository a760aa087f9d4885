package memory

// Filter selects conversation rows by exact equality.
//
// CharacterName and ThreadID always apply. SessionID applies only when
// non-nil: a nil SessionID means "do not filter by session", so rows of every
// session (including session-agnostic rows) match. There is no hierarchy or
// wildcard matching.
type Filter struct {
	CharacterName string
	ThreadID      string
	SessionID     *string
}

// ThreadFilter builds a [Filter] for (character, thread), optionally scoped to
// session. Pass nil to query across sessions.
func ThreadFilter(character, thread string, session *string) Filter {
	return Filter{CharacterName: character, ThreadID: thread, SessionID: session}
}

// Matches reports whether a row with the given keys is selected by f.
func (f Filter) Matches(character, thread string, session *string) bool {
	if character != f.CharacterName || thread != f.ThreadID {
		return false
	}
	if f.SessionID == nil {
		return true
	}
	return session != nil && *session == *f.SessionID
}

// SessionPtr converts an optional session identifier into the nullable form
// used by the store. An empty string becomes nil.
func SessionPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// SessionValue dereferences a nullable session identifier, returning "" for nil.
func SessionValue(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}
