// Package names generates and validates the human-memorable two-word tokens
// used as tunnel session IDs and public subdomains (e.g. "ghost-whiskey").
package names

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// The two lists are disjoint so a token is always distinguishable from an
// accidental hyphenated hostname built from one vocabulary.
var adjectives = []string{
	"amber", "bold", "brisk", "calm", "cedar", "clever", "cobalt", "cosmic",
	"crimson", "dusty", "eager", "early", "fable", "feral", "floral", "frosty",
	"gentle", "ghost", "gilded", "golden", "hazy", "hidden", "humble", "iron",
	"ivory", "jade", "keen", "lively", "lunar", "mellow", "misty", "noble",
	"ochre", "pale", "quiet", "rapid", "rustic", "sable", "silent", "solar",
	"stern", "swift", "tidal", "umber", "vivid", "wild", "witty", "zesty",
}

var nouns = []string{
	"anchor", "badger", "beacon", "bison", "canyon", "comet", "condor", "coral",
	"cougar", "crane", "delta", "ember", "falcon", "fjord", "gecko", "glacier",
	"harbor", "heron", "lagoon", "lantern", "magpie", "marmot", "meadow", "nebula",
	"osprey", "otter", "petrel", "pigeon", "plume", "prairie", "raven", "reef",
	"ridge", "river", "saddle", "sparrow", "summit", "tundra", "walrus", "whiskey",
	"willow", "wombat", "yonder", "zephyr",
}

// tokenShape matches the lowercase word-word form used for subdomain
// extraction and WebSocket upgrade interception. It deliberately rejects
// multi-hyphen and mixed-case hostnames.
var tokenShape = regexp.MustCompile(`^[a-z]+-[a-z]+$`)

// New returns a random two-word token. Uniqueness against existing sessions
// is the caller's job (re-roll on collision).
func New() (string, error) {
	a, err := pick(adjectives)
	if err != nil {
		return "", err
	}
	n, err := pick(nouns)
	if err != nil {
		return "", err
	}
	return a + "-" + n, nil
}

// Match reports whether s has the two-word token shape.
func Match(s string) bool {
	return tokenShape.MatchString(s)
}

// Combinations returns the size of the token space.
func Combinations() int {
	return len(adjectives) * len(nouns)
}

func pick(list []string) (string, error) {
	i, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
	if err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return list[i.Int64()], nil
}
