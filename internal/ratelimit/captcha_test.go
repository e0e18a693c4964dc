package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"
)

// solve parses the challenge's own question to recover the expected answer.
func solve(t *testing.T, question string) string {
	t.Helper()
	fields := strings.Fields(strings.TrimSuffix(question, " = ?"))
	if len(fields) != 3 {
		t.Fatalf("unexpected question format %q", question)
	}
	a, err1 := strconv.Atoi(fields[0])
	b, err2 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil {
		t.Fatalf("non-numeric operands in %q", question)
	}
	switch fields[1] {
	case "+":
		return strconv.Itoa(a + b)
	case "-":
		return strconv.Itoa(a - b)
	}
	t.Fatalf("unknown operator in %q", question)
	return ""
}

func TestChallengeSolvable(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		c := NewChallenge(now, 0)
		answer := solve(t, c.Question)
		if n, _ := strconv.Atoi(answer); n < 0 {
			t.Fatalf("negative expected answer for %q", c.Question)
		}
		if !c.Verify(answer, now) {
			t.Fatalf("correct answer %q rejected for %q", answer, c.Question)
		}
	}
}

func TestChallengeAcceptsPaddedAnswer(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewChallenge(now, 0)
	if !c.Verify("  "+solve(t, c.Question)+" ", now) {
		t.Fatal("whitespace-padded answer rejected")
	}
}

func TestChallengeCountsMisses(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewChallenge(now, 0)

	for i := 0; i < DefaultMaxMisses; i++ {
		if c.Exhausted(0) {
			t.Fatalf("exhausted after %d misses", i)
		}
		if c.Verify(fmt.Sprintf("wrong-%d", i), now) {
			t.Fatal("wrong answer accepted")
		}
	}
	if !c.Exhausted(0) {
		t.Fatalf("not exhausted after %d misses", c.Misses)
	}
}

func TestChallengeExpires(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewChallenge(now, time.Minute)
	answer := solve(t, c.Question)

	if c.Verify(answer, now.Add(2*time.Minute)) {
		t.Fatal("expired challenge verified")
	}
	if !c.Verify(answer, now.Add(30*time.Second)) {
		t.Fatal("live challenge rejected")
	}
}
