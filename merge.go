package helpx

import "sort"

// Merge unions two message sequences keyed by Message.Key. Entries from
// existing come first and the first occurrence of a key wins, so redelivered
// or overlapping messages never replace what is already shown. The result is
// ordered by CreatedAt ascending; ties keep insertion order.
func Merge(existing, incoming []Message) []Message {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]Message, 0, len(existing)+len(incoming))
	for _, batch := range [2][]Message{existing, incoming} {
		for _, m := range batch {
			k := m.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Confirm folds server-confirmed messages into their optimistic counterparts.
// A pending entry whose correlation id matches a confirmed message takes the
// server's id, timestamp and content. Messages with no pending match are left
// for Merge.
func Confirm(existing []Message, confirmed ...Message) []Message {
	if len(confirmed) == 0 {
		return existing
	}
	byCorrelation := make(map[string]Message, len(confirmed))
	for _, c := range confirmed {
		if c.CorrelationID != "" && !c.Pending {
			byCorrelation[c.CorrelationID] = c
		}
	}
	if len(byCorrelation) == 0 {
		return existing
	}
	out := make([]Message, len(existing))
	serverIDs := make(map[string]struct{})
	for i, m := range existing {
		c, ok := byCorrelation[m.CorrelationID]
		if !ok || !m.Pending {
			out[i] = m
			continue
		}
		if c.Sender.ID == UnknownSenderID {
			c.Sender = m.Sender
		}
		if c.Text == "" && len(c.Attachments) == 0 && !c.DeletedForEveryone {
			c.Text, c.Attachments = m.Text, m.Attachments
		}
		out[i] = c
		if c.HasServerID() {
			serverIDs[c.ID] = struct{}{}
		}
	}
	if len(serverIDs) == 0 {
		return out
	}
	// A copy of a newly confirmed message that arrived earlier without its
	// correlation id is now a duplicate.
	kept := out[:0]
	for _, m := range out {
		if _, dup := serverIDs[m.ID]; dup && m.CorrelationID == "" {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// Canonicalize gives every incoming server message that lacks a correlation
// id the correlation id of the existing entry with the same server id, so
// both share a Key. incoming is not modified.
func Canonicalize(existing []Message, incoming ...Message) []Message {
	byID := make(map[string]string, len(existing))
	for _, m := range existing {
		if m.CorrelationID != "" && m.HasServerID() {
			byID[m.ID] = m.CorrelationID
		}
	}
	out := make([]Message, len(incoming))
	for i, m := range incoming {
		if cid, ok := byID[m.ID]; ok && m.CorrelationID == "" {
			m.CorrelationID = cid
		}
		out[i] = m
	}
	return out
}

// Apply applies fn to every message matching ref and reports whether any did.
func Apply(msgs []Message, ref string, fn func(Message) Message) ([]Message, bool) {
	out := make([]Message, len(msgs))
	hit := false
	for i, m := range msgs {
		if m.Matches(ref) {
			out[i] = fn(m)
			hit = true
			continue
		}
		out[i] = m
	}
	return out, hit
}

// Remove drops every message matching ref.
func Remove(msgs []Message, ref string) ([]Message, bool) {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Matches(ref) {
			out = append(out, m)
		}
	}
	return out, len(out) != len(msgs)
}

// TombstoneAll replaces the content of every message with the placeholder.
func TombstoneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Tombstone()
	}
	return out
}

func sameMessages(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.CorrelationID != y.CorrelationID || x.Text != y.Text ||
			x.Edited != y.Edited || x.DeletedForEveryone != y.DeletedForEveryone ||
			x.Pending != y.Pending || len(x.Attachments) != len(y.Attachments) ||
			!x.CreatedAt.Equal(y.CreatedAt) {
			return false
		}
	}
	return true
}

// Overlay refreshes server-confirmed entries of existing with the content of
// the authoritative copy that has the same id. Membership and order are not
// touched, so it composes with Merge's first-wins rule.
func Overlay(existing, authoritative []Message) []Message {
	byID := make(map[string]Message, len(authoritative))
	for _, a := range authoritative {
		if a.HasServerID() {
			byID[a.ID] = a
		}
	}
	if len(byID) == 0 {
		return existing
	}
	out := make([]Message, len(existing))
	for i, m := range existing {
		a, ok := byID[m.ID]
		if !ok || !m.HasServerID() {
			out[i] = m
			continue
		}
		m.Text, m.Attachments = a.Text, a.Attachments
		m.Edited = a.Edited
		m.DeletedForEveryone = a.DeletedForEveryone || m.DeletedForEveryone
		if m.DeletedForEveryone {
			m = m.Tombstone()
		}
		out[i] = m
	}
	return out
}
