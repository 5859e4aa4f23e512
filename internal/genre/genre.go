package genre

import (
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

// Genre is a musical genre used to prefix the generation prompt
type Genre string

// None leaves the prompt untouched. The empty Genre behaves the same way.
const None Genre = "none"

// fuzzyThreshold is the minimum Jaro-Winkler similarity for a near match
const fuzzyThreshold = 0.9

var catalog = []Genre{
	None, "Pop", "Rock", "Jazz", "Classical", "Electronic", "Hip Hop", "R&B",
	"Country", "Folk", "Ambient", "Lo-Fi", "Trap", "Funk", "Soul", "Disco",
	"City Pop", "Metal", "Punk", "Blues", "Reggae", "World", "Dark Ambient",
	"Industrial", "Techno", "Cyberpunk", "Glitch",
}

// Catalog returns the selectable genres, starting with None
func Catalog() []Genre {
	return append([]Genre(nil), catalog...)
}

// IsNone reports whether the genre adds nothing to the prompt
func (g Genre) IsNone() bool {
	s := strings.TrimSpace(string(g))
	return s == "" || strings.EqualFold(s, string(None))
}

// Apply prefixes the prompt with the genre: "<genre>, <prompt>"
func (g Genre) Apply(prompt string) string {
	if g.IsNone() {
		return prompt
	}
	return string(g) + ", " + prompt
}

// Parse maps user input onto the catalog. Exact matches ignore case, spaces and
// hyphens; otherwise the closest genre above the similarity threshold wins.
// Input that matches nothing is returned as-is with ok == false.
func Parse(s string) (Genre, bool) {
	s = strings.TrimSpace(s)
	if Genre(s).IsNone() {
		return None, true
	}

	key := normalize(s)
	for _, g := range catalog {
		if normalize(string(g)) == key {
			return g, true
		}
	}

	var (
		best      Genre
		bestScore float64
	)
	for _, g := range catalog[1:] {
		score := strutil.Similarity(key, normalize(string(g)), metrics.NewJaroWinkler())
		if score > bestScore && score >= fuzzyThreshold {
			bestScore = score
			best = g
		}
	}
	if best != "" {
		return best, true
	}
	return Genre(s), false
}

func normalize(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
}
