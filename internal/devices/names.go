package devices

import (
	"math/rand/v2"
	"strings"
)

// NameGenerator proposes human readable device names.
type NameGenerator interface {
	Generate() string
}

// NameGeneratorFunc adapts a function into a NameGenerator.
type NameGeneratorFunc func() string

// Generate calls f.
func (f NameGeneratorFunc) Generate() string {
	return f()
}

var (
	colorWords = []string{
		"Amber", "Aqua", "Azure", "Beige", "Black", "Blue", "Bronze", "Brown",
		"Coral", "Crimson", "Cyan", "Gold", "Gray", "Green", "Indigo", "Ivory",
		"Jade", "Lavender", "Lime", "Magenta", "Maroon", "Navy", "Olive",
		"Orange", "Peach", "Pink", "Plum", "Purple", "Red", "Ruby", "Salmon",
		"Silver", "Tan", "Teal", "Turquoise", "Violet", "White", "Yellow",
	}
	animalWords = []string{
		"Ant", "Badger", "Bat", "Bear", "Beaver", "Bison", "Cat", "Cheetah",
		"Crane", "Crow", "Deer", "Dolphin", "Eagle", "Falcon", "Ferret", "Fox",
		"Frog", "Gecko", "Goat", "Hare", "Hawk", "Heron", "Koala", "Lemur",
		"Lion", "Lynx", "Moose", "Otter", "Owl", "Panda", "Parrot", "Puma",
		"Rabbit", "Raven", "Seal", "Shark", "Sloth", "Swan", "Tiger", "Toad",
		"Turtle", "Whale", "Wolf", "Yak", "Zebra",
	}
)

// WordNameGenerator builds "Color Animal" names such as "Red Fox".
type WordNameGenerator struct {
	rand *rand.Rand
}

// NewWordNameGenerator returns a generator backed by r, or by the global
// source when r is nil.
func NewWordNameGenerator(r *rand.Rand) *WordNameGenerator {
	return &WordNameGenerator{rand: r}
}

// Generate returns a capitalized two word name.
func (g *WordNameGenerator) Generate() string {
	return strings.Join([]string{g.pick(colorWords), g.pick(animalWords)}, " ")
}

func (g *WordNameGenerator) pick(words []string) string {
	if g.rand == nil {
		return words[rand.IntN(len(words))]
	}
	return words[g.rand.IntN(len(words))]
}
