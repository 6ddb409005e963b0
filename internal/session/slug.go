package session

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Slug word lists. Names must stay inside the session identifier grammar
// ([A-Za-z0-9_-]+), so words are lowercase ASCII joined by a hyphen.
var slugAdjectives = []string{
	"amber", "bold", "brave", "bright", "calm", "clever", "cosmic", "crisp",
	"eager", "fast", "fierce", "fuzzy", "gentle", "golden", "happy", "humble",
	"jolly", "keen", "lively", "lucky", "mellow", "mighty", "nimble", "noble",
	"polite", "proud", "quick", "quiet", "rapid", "rustic", "sharp", "shiny",
	"silent", "sleek", "smooth", "solid", "stellar", "sturdy", "swift", "witty",
}

var slugNouns = []string{
	"badger", "beacon", "comet", "condor", "coral", "cougar", "crane", "delta",
	"falcon", "fjord", "gecko", "glacier", "harbor", "heron", "ibis", "jaguar",
	"kestrel", "lagoon", "lynx", "marmot", "meadow", "mesa", "nebula", "otter",
	"owl", "panther", "pebble", "pine", "quartz", "raven", "reef", "ridge",
	"sparrow", "spruce", "summit", "tern", "thicket", "tundra", "walrus", "wren",
}

var (
	slugMu  sync.Mutex
	slugRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NewSlug returns a random adjective-noun session name. Collisions are
// possible and handled by the caller with a retry.
func NewSlug() string {
	slugMu.Lock()
	defer slugMu.Unlock()
	adj := slugAdjectives[slugRng.Intn(len(slugAdjectives))]
	noun := slugNouns[slugRng.Intn(len(slugNouns))]
	return fmt.Sprintf("%s-%s", adj, noun)
}
