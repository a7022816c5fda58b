package waveline

import "context"

// LoadOlder fetches one page of history older than the oldest confirmed
// message and prepends it to the view. It returns the number of messages
// added. Concurrent calls coalesce: while one fetch is in flight, further
// calls return (0, nil) immediately, so a scroll handler can invoke this
// freely.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	if s.loading || !s.store.hasMore {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = true
	cursor := s.store.oldestCursor
	limit := s.opts.HistoryPageSize
	gen := s.generation
	s.mu.Unlock()

	batch, err := s.client.History(ctx, s.conversationID, cursor, limit)

	s.mu.Lock()
	s.loading = false
	if s.closed || s.generation != gen {
		s.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	added, changed := s.store.prependHistory(batch)
	if len(batch) < limit {
		s.store.hasMore = false
	}
	s.mu.Unlock()

	if changed {
		s.notifyView()
	}
	return added, nil
}
