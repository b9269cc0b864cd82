// Package slug generates human-readable project identifiers of the form
// adjective-noun, matching ^[a-z-]+$. Uniqueness is enforced by the
// database; callers retry on collision.
package slug

import (
	"math/rand"
	"regexp"
)

// Pattern is the accepted shape for caller-supplied slugs.
var Pattern = regexp.MustCompile(`^[a-z-]+$`)

// Valid reports whether a caller-supplied slug is acceptable.
func Valid(s string) bool {
	return Pattern.MatchString(s)
}

var adjectives = []string{
	"amber", "ancient", "autumn", "billowing", "bitter", "bold", "brave",
	"broad", "calm", "cool", "crimson", "curly", "damp", "dawn", "delicate",
	"divine", "dry", "empty", "falling", "fancy", "flat", "floral",
	"fragrant", "frosty", "gentle", "green", "hidden", "holy", "icy",
	"jolly", "late", "lingering", "little", "lively", "long", "lucky",
	"misty", "morning", "muddy", "mute", "nameless", "noisy", "odd", "old",
	"orange", "patient", "plain", "polished", "proud", "purple", "quiet",
	"rapid", "raspy", "red", "restless", "rough", "round", "royal",
	"shiny", "shy", "silent", "small", "snowy", "soft", "solitary",
	"sparkling", "spring", "square", "steep", "still", "summer", "sweet",
	"tight", "tiny", "twilight", "wandering", "weathered", "white", "wild",
	"winter", "wispy", "withered", "yellow", "young",
}

var nouns = []string{
	"art", "band", "bar", "base", "bird", "block", "boat", "bonus",
	"bread", "breeze", "brook", "bush", "butterfly", "cake", "cell",
	"cherry", "cloud", "credit", "darkness", "dawn", "dew", "disk",
	"dream", "dust", "feather", "field", "fire", "firefly", "flower",
	"fog", "forest", "frog", "frost", "glade", "glitter", "grass", "hall",
	"hat", "haze", "heart", "hill", "king", "lab", "lake", "leaf",
	"limit", "math", "meadow", "mode", "moon", "morning", "mountain",
	"mouse", "mud", "night", "paper", "pine", "poetry", "pond", "queen",
	"rain", "recipe", "resonance", "rice", "river", "salad", "scene",
	"sea", "shadow", "shape", "silence", "sky", "smoke", "snow",
	"snowflake", "sound", "star", "sun", "sunset", "surf", "term",
	"thunder", "tooth", "tree", "truth", "union", "unit", "violet",
	"voice", "water", "waterfall", "wave", "wildflower", "wind", "wood",
}

// Generate returns a new adjective-noun slug.
func Generate() string {
	a := adjectives[rand.Intn(len(adjectives))]
	n := nouns[rand.Intn(len(nouns))]
	return a + "-" + n
}
