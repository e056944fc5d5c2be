package stats

import "sort"

// Rank orders players with at least one game by gamesWon, totalPoints and
// winRate (all descending), then player id ascending, and assigns 1-based
// ranks. Identical inputs always produce identical output.
func Rank(all []UserStats) []RankingEntry {
	rows := make([]UserStats, 0, len(all))
	for _, s := range all {
		if s.GamesPlayed > 0 && s.PlayerID != "" {
			rows = append(rows, s)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })

	out := make([]RankingEntry, len(rows))
	for i, s := range rows {
		out[i] = RankingEntry{
			PlayerID:    s.PlayerID,
			Rank:        i + 1,
			GamesPlayed: s.GamesPlayed,
			GamesWon:    s.GamesWon,
			TotalPoints: s.TotalPoints,
			WinRate:     s.WinRate(),
		}
	}
	return out
}

func less(a, b UserStats) bool {
	if a.GamesWon != b.GamesWon {
		return a.GamesWon > b.GamesWon
	}
	if a.TotalPoints != b.TotalPoints {
		return a.TotalPoints > b.TotalPoints
	}
	// compare cross-multiplied to avoid float ties drifting
	ar := int64(a.GamesWon) * int64(b.GamesPlayed)
	br := int64(b.GamesWon) * int64(a.GamesPlayed)
	if ar != br {
		return ar > br
	}
	return a.PlayerID < b.PlayerID
}
