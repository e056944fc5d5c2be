package stats

import "time"

// UserStats are the cumulative per-player counters. They only grow, once per
// completed match.
type UserStats struct {
	PlayerID       string     `json:"player_id"`
	GamesPlayed    int        `json:"games_played"`
	GamesWon       int        `json:"games_won"`
	TotalPoints    int        `json:"total_points"`
	WinStreak      int        `json:"win_streak"`
	MaxWinStreak   int        `json:"max_win_streak"`
	GlobalRank     int        `json:"global_rank,omitempty"`
	LastRankUpdate *time.Time `json:"last_rank_update,omitempty"`
}

// WinRate is GamesWon/GamesPlayed, zero before the first game.
func (s UserStats) WinRate() float64 {
	if s.GamesPlayed <= 0 {
		return 0
	}
	return float64(s.GamesWon) / float64(s.GamesPlayed)
}

// RankingEntry is a derived leaderboard row.
type RankingEntry struct {
	PlayerID    string  `json:"player_id"`
	Rank        int     `json:"rank"`
	GamesPlayed int     `json:"games_played"`
	GamesWon    int     `json:"games_won"`
	TotalPoints int     `json:"total_points"`
	WinRate     float64 `json:"win_rate"`
}

// Record folds one finished game into s.
func Record(s UserStats, won bool, points int) UserStats {
	s.GamesPlayed++
	s.TotalPoints += points
	if won {
		s.GamesWon++
		s.WinStreak++
	} else {
		s.WinStreak = 0
	}
	if s.WinStreak > s.MaxWinStreak {
		s.MaxWinStreak = s.WinStreak
	}
	return s
}
