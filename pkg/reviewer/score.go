package reviewer

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Score bounds.
const (
	MinScore = 0.0
	MaxScore = 10.0
)

var (
	// ErrNoScore is returned when reviewer output carries no usable score.
	ErrNoScore = errors.New("no score in reviewer output")
	// ErrMaxTurns is returned when a reviewer keeps testing past the turn
	// limit without scoring.
	ErrMaxTurns = errors.New("reviewer exceeded max turns without scoring")
)

var scoreRe = regexp.MustCompile(`(?s)<lov-score>(.*?)</lov-score>`)

// ParseScore extracts the score tag. It reports found == false when the
// output has no score tag at all, and an error when the tag is present but
// its value is not a number within [MinScore, MaxScore].
func ParseScore(text string) (score float64, found bool, err error) {
	m := scoreRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false, nil
	}

	raw := strings.TrimSpace(m[1])

	score, err = strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, true, fmt.Errorf("%w: unparsable value %q", ErrNoScore, raw)
	}

	if score < MinScore || score > MaxScore {
		return 0, true, fmt.Errorf("%w: %v out of range", ErrNoScore, score)
	}

	return score, true, nil
}
