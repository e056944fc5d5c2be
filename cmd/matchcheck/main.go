package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/park285/match-engine/internal/matchclient"
	"github.com/park285/match-engine/internal/msgcat"
)

func main() {
	baseURL := os.Getenv("API_BASE_URL")
	userID := os.Getenv("X_USER_ID")
	if baseURL == "" {
		log.Fatal("API_BASE_URL is required")
	}

	headers := func() map[string]string {
		m := map[string]string{}
		if userID != "" {
			m["X-User-Id"] = userID
		}
		return m
	}
	client := matchclient.NewClient(baseURL,
		matchclient.WithHeaderProvider(headers),
		matchclient.WithTimeout(8*time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		log.Fatalf("/healthz error: %v", err)
	}
	log.Println("/healthz ok")

	msgs := msgcat.MustDefault()
	board, err := client.Leaderboard(ctx)
	if err != nil {
		log.Fatalf("/leaderboard error: %v", err)
	}
	if len(board) == 0 {
		empty, _ := msgs.Render("leaderboard.empty", nil)
		fmt.Println(empty)
	}
	for _, row := range board {
		line, err := msgs.Render("leaderboard.row", row)
		if err != nil {
			line = fmt.Sprintf("%d. %s", row.Rank, row.PlayerID)
		}
		fmt.Println(line)
	}

	if userID == "" {
		return
	}
	st, err := client.Stats(ctx, userID)
	if err != nil {
		log.Printf("/players/%s/stats error: %v", userID, err)
		return
	}
	fmt.Printf("%s: played=%d won=%d points=%d streak=%d best=%d rank=%d\n",
		st.PlayerID, st.GamesPlayed, st.GamesWon, st.TotalPoints, st.WinStreak, st.MaxWinStreak, st.GlobalRank)
}
