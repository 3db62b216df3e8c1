package tmpl

import "math/rand"

// adjectives and nouns back RandomPairName's "fast-deer"-style default
// names — the same register h2 uses for its fallback actor/session names
// (see H2_ACTOR's "fast-deer" default).
var adjectives = []string{
	"fast", "bright", "quiet", "bold", "calm", "keen", "swift", "sharp",
	"steady", "wry", "brisk", "vivid", "plain", "eager", "stout",
}

var nouns = []string{
	"deer", "hare", "owl", "fox", "wren", "lynx", "moth", "elk",
	"heron", "otter", "finch", "crane", "mole", "newt", "stoat",
}

// RandomPairName returns a random "<adjective>-<noun>" name, the default
// generateName func passed to NameFuncs when nothing more specific is
// configured.
func RandomPairName() string {
	a := adjectives[rand.Intn(len(adjectives))]
	n := nouns[rand.Intn(len(nouns))]
	return a + "-" + n
}
