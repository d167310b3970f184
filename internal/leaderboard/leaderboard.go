package leaderboard

import (
	"cmp"
	"slices"

	"github.com/victornm/triviarena/internal/domain"
)

// Build ranks players by score desc, then streak desc, then join order.
// Players must be given in join order. Ranks are 1..N without gaps.
func Build(players []*domain.Player) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(players))
	for _, p := range players {
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID: p.ID,
			Username: p.Username,
			Score:    p.Score,
			Streak:   p.CurrentStreak,
		})
	}

	slices.SortStableFunc(entries, func(a, b domain.LeaderboardEntry) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.Streak, a.Streak)
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return entries
}

// Winner is the rank 1 entry, nil for an empty board.
func Winner(entries []domain.LeaderboardEntry) *domain.Winner {
	if len(entries) == 0 {
		return nil
	}

	return &domain.Winner{
		PlayerID: entries[0].PlayerID,
		Username: entries[0].Username,
		Score:    entries[0].Score,
	}
}
