package ratelimit

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"workdesk.org/internal/obs"
)

// Challenge is a lightweight arithmetic captcha. Only the answer's hash is
// held, session-side, so a challenge can be stored in any session backend
// without leaking the answer.
type Challenge struct {
	Question   string
	AnswerHash string
	ExpiresAt  time.Time
	Misses     int
}

// DefaultChallengeTTL bounds how long an issued challenge stays answerable.
const DefaultChallengeTTL = 5 * time.Minute

// DefaultMaxMisses is the wrong-guess allowance before regeneration.
const DefaultMaxMisses = 3

// NewChallenge issues an addition or subtraction question over single-digit
// operands, arranged so the answer is never negative.
func NewChallenge(now time.Time, ttl time.Duration) Challenge {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	a, b := digit(), digit()
	op := "+"
	answer := a + b
	if digit()%2 == 1 {
		if a < b {
			a, b = b, a
		}
		op = "-"
		answer = a - b
	}
	obs.CaptchaChallengesTotal.WithLabelValues("issued").Inc()
	return Challenge{
		Question:   fmt.Sprintf("%d %s %d = ?", a, op, b),
		AnswerHash: HashAnswer(strconv.Itoa(answer)),
		ExpiresAt:  now.Add(ttl),
	}
}

// HashAnswer canonicalizes and hashes a candidate answer.
func HashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(answer)))
	return hex.EncodeToString(sum[:])
}

// Verify checks a candidate answer. A wrong answer counts as a miss; an
// expired challenge never verifies.
func (c *Challenge) Verify(answer string, now time.Time) bool {
	if c.AnswerHash == "" || now.After(c.ExpiresAt) {
		obs.CaptchaChallengesTotal.WithLabelValues("expired").Inc()
		return false
	}
	if subtle.ConstantTimeCompare([]byte(HashAnswer(answer)), []byte(c.AnswerHash)) == 1 {
		obs.CaptchaChallengesTotal.WithLabelValues("solved").Inc()
		return true
	}
	c.Misses++
	obs.CaptchaChallengesTotal.WithLabelValues("missed").Inc()
	return false
}

// Exhausted reports whether the challenge burned through its miss allowance
// and must be regenerated.
func (c *Challenge) Exhausted(maxMisses int) bool {
	if maxMisses <= 0 {
		maxMisses = DefaultMaxMisses
	}
	return c.Misses >= maxMisses
}

func digit() int {
	n, err := rand.Int(rand.Reader, big.NewInt(10))
	if err != nil {
		// crypto/rand failing means the process has bigger problems; a
		// fixed operand keeps the captcha functional.
		return 7
	}
	return int(n.Int64())
}
