package crypt

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// PassphraseWords is the number of words in a generated claim passphrase.
const PassphraseWords = 4

// Short, unambiguous words; the passphrase guards a secretbox key stretched
// with argon2id, not the funds directly.
var wordlist = []string{
	"acorn", "amber", "anchor", "apple", "arrow", "aspen", "atlas", "autumn",
	"badge", "bamboo", "basil", "beacon", "berry", "birch", "bison", "blaze",
	"bloom", "bluff", "breeze", "brook", "bridge", "cabin", "candle", "canyon",
	"cedar", "cliff", "clover", "cobalt", "comet", "coral", "cove", "crane",
	"creek", "crest", "crystal", "daisy", "dawn", "delta", "drift", "dune",
	"eagle", "ember", "falcon", "fern", "field", "flame", "flint", "forest",
	"fox", "frost", "garnet", "glade", "glow", "grove", "harbor", "hazel",
	"heron", "hill", "ivory", "jade", "juniper", "lagoon", "lantern", "larch",
	"ledge", "lily", "linden", "lotus", "lunar", "maple", "marsh", "meadow",
	"mesa", "mist", "moss", "north", "oak", "ocean", "onyx", "opal",
	"orchid", "osprey", "otter", "pebble", "pine", "plume", "pond", "prairie",
	"quartz", "quill", "rain", "raven", "reef", "ridge", "river", "robin",
	"rowan", "sage", "shade", "shore", "sierra", "slate", "snow", "solar",
	"sparrow", "spruce", "star", "stone", "storm", "summit", "sunset", "swan",
	"thorn", "tide", "timber", "topaz", "trail", "tulip", "valley", "vapor",
	"violet", "wave", "willow", "wind", "wren", "yarrow", "zephyr", "zinc",
}

// GeneratePassphrase returns a human-readable passphrase of PassphraseWords
// hyphen-joined words drawn with crypto/rand.
func GeneratePassphrase() (string, error) {
	words := make([]string, PassphraseWords)
	max := big.NewInt(int64(len(wordlist)))
	for i := range words {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("draw passphrase word: %w", err)
		}
		words[i] = wordlist[n.Int64()]
	}
	return strings.Join(words, "-"), nil
}
