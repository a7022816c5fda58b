package waveline

import "time"

// ============================================================================
// Reconciler
// ============================================================================

// applySnapshot merges a remote snapshot batch into the store, producing the
// canonical ordered view:
//
//  1. Each incoming record is first correlated against an unmatched pending
//     entry (same sender, body, kind; client timestamp within the
//     correlation window). A match replaces the pending entry, keeping its
//     rendered slot.
//  2. Records with no match are inserted as new.
//  3. Records whose confirmed id is already present update in place, never
//     duplicate; re-delivered identical documents keep their pointer so
//     unchanged messages cause no reference churn.
//  4. Tombstoned records are removed.
//
// Pending-entry timeouts are handled separately by the send pipeline; the
// reconciler never drops a pending entry it could not match.
//
// Returns whether the visible view changed and the temp ids of pending
// entries resolved by this batch.
func (s *conversationStore) applySnapshot(batch []*Message) (changed bool, resolved []string) {
	matched := make(map[string]bool)

	for _, in := range sortedAscending(batch) {
		if in.ID == "" || in.CreatedAt == nil {
			continue // malformed record, nothing to anchor it by
		}

		if in.Deleted {
			if s.remove(in.ID) {
				changed = true
			}
			continue
		}

		incoming := in.clone()
		incoming.Status = StatusSent
		if incoming.ConversationID == "" {
			incoming.ConversationID = s.conversationID
		}

		if existing, ok := s.byID[in.ID]; ok {
			if s.updateInPlace(existing, incoming) {
				changed = true
			}
			continue
		}

		if tempID := s.resolvePending(incoming, matched); tempID != "" {
			matched[tempID] = true
			resolved = append(resolved, tempID)
			changed = true
			continue
		}

		s.diagnoseConflict(incoming)
		s.byID[incoming.ID] = incoming
		s.insertSorted(incoming)
		changed = true
	}

	if changed {
		s.recomputeCursor()
	}
	return changed, resolved
}

// updateInPlace applies a re-delivered document over the stored record.
// Snapshot records are full documents, so the incoming copy wins wholesale
// (document-level last-writer-wins). Visibly identical records are dropped
// without touching the stored pointer.
func (s *conversationStore) updateInPlace(existing, incoming *Message) bool {
	incoming.ClientCreatedAt = existing.ClientCreatedAt
	if existing.visiblyEqual(incoming) {
		return false
	}
	if existing.EffectiveTime().Equal(incoming.EffectiveTime()) {
		s.replace(existing, incoming)
		return true
	}
	// Ordering key moved (server timestamp correction): reposition.
	delete(s.byID, existing.ID)
	if idx := s.indexOf(existing); idx >= 0 {
		s.removeAt(idx)
	}
	s.byID[incoming.ID] = incoming
	s.insertSorted(incoming)
	return true
}

// resolvePending correlates a confirmed record against the oldest unmatched
// pending (or timed-out failed) entry with the same sender, body, and kind
// whose client timestamp falls inside the correlation window. On a match the
// confirmed record takes over the entry's slot; each entry resolves at most
// one record per pass. Returns the resolved temp id, or "".
func (s *conversationStore) resolvePending(incoming *Message, alreadyMatched map[string]bool) string {
	for idx, m := range s.msgs {
		if m.Status != StatusPending && m.Status != StatusFailed {
			continue
		}
		if alreadyMatched[m.ID] {
			continue
		}
		if m.SenderID != incoming.SenderID || m.Body != incoming.Body || m.Kind != incoming.Kind {
			continue
		}
		if !withinWindow(m.ClientCreatedAt, *incoming.CreatedAt, s.corrWindow) {
			continue
		}

		tempID := m.ID
		delete(s.byID, tempID)
		s.byID[incoming.ID] = incoming
		s.removeAt(idx)
		s.insertSorted(incoming)
		return tempID
	}
	return ""
}

// diagnoseConflict logs when an insert looks like a duplicate of an
// unmatched local entry — the correlation heuristic found nothing but the
// payload shape says otherwise. Diagnostics only; never surfaced.
func (s *conversationStore) diagnoseConflict(incoming *Message) {
	for _, m := range s.msgs {
		if m.Status == StatusPending || m.Status == StatusFailed {
			if m.SenderID == incoming.SenderID && m.Body == incoming.Body && m.Kind == incoming.Kind {
				s.logf("merge conflict: confirmed %s resembles local %s outside the correlation window",
					incoming.ID, m.ID)
				return
			}
		}
	}
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d <= window
}
