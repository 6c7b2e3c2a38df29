// Package namegen produces human-readable two-word display names for
// Connections that have not chosen one, mirroring the "adjective-noun"
// shape of the original generator.
package namegen

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var adjectives = []string{
	"amber", "brave", "calm", "cosmic", "crimson", "dusty", "eager", "fuzzy",
	"gentle", "golden", "hidden", "icy", "jolly", "keen", "lively", "misty",
	"noble", "orbiting", "plucky", "quiet", "rusty", "silent", "swift", "tidy",
	"umber", "velvet", "wandering", "witty", "young", "zesty",
}

var nouns = []string{
	"badger", "comet", "otter", "falcon", "harbor", "lantern", "meadow",
	"nimbus", "pebble", "quokka", "raven", "summit", "thistle", "tundra",
	"vortex", "willow", "yonder", "zephyr", "canyon", "ember", "glade",
	"heron", "juniper", "kestrel", "lagoon", "marsh", "needle", "orchid",
	"prairie", "ridge",
}

// Generate returns a random "adjective-noun" display name such as
// "silent-otter".
func Generate() string {
	return fmt.Sprintf("%s-%s", pick(adjectives), pick(nouns))
}

func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		// crypto/rand failure means the system entropy source is broken;
		// fall back to the first word rather than panicking mid-connect.
		return words[0]
	}
	return words[n.Int64()]
}
