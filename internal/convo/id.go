package convo

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ChatID returns the deterministic conversation id for a pair of users.
// It is commutative: ChatID(a, b) == ChatID(b, a), so both participants
// address the same document without a lookup round-trip.
func ChatID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}

// GroupID generates a collision-resistant group id of the form
// "group-<base36 unix ms>-<base36 random>". Generated once at creation
// time and never recomputed.
func GroupID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return "group-" + ts + "-" + randomToken(6)
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomToken(n int) string {
	var b strings.Builder
	b.Grow(n)
	for range n {
		b.WriteByte(base36[rand.IntN(len(base36))])
	}
	return b.String()
}
