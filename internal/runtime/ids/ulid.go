package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces time-sortable ULIDs from its own monotonic entropy source.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewGenerator returns a Generator seeded from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns a ULID encoded as a 26-character string.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

var defaultGenerator = NewGenerator()

// CreateULID returns a time-sortable ULID from the package generator. Dispatch
// correlation IDs and cascade task IDs are created here.
func CreateULID() string {
	return defaultGenerator.New()
}

// Timestamp extracts the creation time embedded in a ULID string.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
