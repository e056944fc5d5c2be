package match

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

// Coin returns true for heads. Random starting players flip it once.
type Coin func() bool

// CryptoCoin flips using crypto/rand; a read failure falls back to creator.
func CryptoCoin() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil || n == nil {
		return true
	}
	return n.Int64() == 0
}

// ChooseStartingPlayer resolves the starting-player policy for a match.
// Heads picks the creator under the random policy.
func ChooseStartingPlayer(s Settings, creator, opponent string, coin Coin) string {
	switch s.StartingPlayer {
	case StartCreator:
		return creator
	case StartOpponent:
		return opponent
	default:
		if coin == nil {
			coin = CryptoCoin
		}
		if coin() {
			return creator
		}
		return opponent
	}
}

// ParseStartingPolicy normalises user input. Empty input is random; unknown
// values are returned as given and fail ValidateSettings.
func ParseStartingPolicy(raw string) StartingPolicy {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "":
		return StartRandom
	case "creator", "c":
		return StartCreator
	case "opponent", "o":
		return StartOpponent
	case "random", "r":
		return StartRandom
	default:
		return StartingPolicy(v)
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New() })
	return validate
}

// NormalizeSettings trims free-text fields and fills the starting policy.
func NormalizeSettings(s Settings) Settings {
	s.Mode = strings.TrimSpace(s.Mode)
	s.LeagueID = strings.TrimSpace(s.LeagueID)
	s.StartingPlayer = ParseStartingPolicy(string(s.StartingPlayer))
	return s
}

// ValidateSettings checks settings and wraps failures as ErrInvalidInput.
func ValidateSettings(s Settings) error {
	if err := Validator().Struct(s); err != nil {
		return errors.Wrapf(ErrInvalidInput, "settings: %v", err)
	}
	return nil
}

// maxScoreFactor bounds a reported score at this multiple of PointsToWin.
const maxScoreFactor = 10

// MaxScore is the largest score accepted for a match with these settings.
func MaxScore(s Settings) int { return s.PointsToWin * maxScoreFactor }

// ValidateScores enforces non-negative scores, the win threshold and the
// MaxScore ceiling.
func ValidateScores(s Settings, creatorScore, opponentScore int) error {
	if creatorScore < 0 || opponentScore < 0 {
		return errors.Wrapf(ErrInvalidScore, "negative score %d-%d", creatorScore, opponentScore)
	}
	// 상한 검사: 누적 점수(total_points) 오버플로 방지
	if limit := MaxScore(s); creatorScore > limit || opponentScore > limit {
		return errors.Wrapf(ErrInvalidScore, "score %d-%d exceeds %d", creatorScore, opponentScore, limit)
	}
	if max(creatorScore, opponentScore) < s.PointsToWin {
		return errors.Wrapf(ErrInvalidScore, "neither score reaches %d", s.PointsToWin)
	}
	return nil
}

// DecideWinner returns the strictly higher scorer, or "" on a tie.
func DecideWinner(creator, opponent string, creatorScore, opponentScore int) string {
	switch {
	case creatorScore > opponentScore:
		return creator
	case opponentScore > creatorScore:
		return opponent
	default:
		return ""
	}
}
