// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"fmt"
	"time"
)

const statsCacheTTL = 10 * time.Second

// Stats returns aggregate counters over sessions, activities, unarchived
// observations, and indexed files. Results are memoized for statsCacheTTL and invalidated
// eagerly by any mutating write, so a burst of hook traffic doesn't each
// pay for five COUNT(*) scans.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.statsMu.RLock()
	if s.statsCache != nil && time.Since(s.statsAt) < statsCacheTTL {
		cached := *s.statsCache
		s.statsMu.RUnlock()
		return &cached, nil
	}
	s.statsMu.RUnlock()

	var st Stats
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM sessions),
		(SELECT COUNT(*) FROM sessions WHERE status = 'active'),
		(SELECT COUNT(*) FROM activities),
		(SELECT COUNT(*) FROM observations WHERE archived = 0),
		(SELECT COUNT(*) FROM indexed_files)`)
	if err := row.Scan(&st.SessionCount, &st.ActiveSessionCount, &st.ActivityCount, &st.ObservationCount, &st.IndexedFileCount); err != nil {
		return nil, fmt.Errorf("activitystore: compute stats: %w", err)
	}
	st.ComputedAt = time.Now().UTC()

	s.statsMu.Lock()
	s.statsCache = &st
	s.statsAt = st.ComputedAt
	s.statsMu.Unlock()

	cached := st
	return &cached, nil
}
