package vectorstore

import (
	"context"
	"fmt"
	"time"
)

// Record is one embedded chunk as persisted by a backend. ID is the chunk's
// stable identity; ContentHash changes whenever the text changes, so the two
// together drive incremental re-indexing.
type Record struct {
	ID          string
	FilePath    string
	Repo        string
	Language    string
	Kind        string
	Name        string
	StartLine   int
	EndLine     int
	Content     string
	ContentHash string
	Model       string
	Vector      []float32
	UpdatedAt   time.Time
}

// Filter narrows a search. Empty slices match everything; Model is always
// set by callers so vectors from different embedding models never mix.
type Filter struct {
	Repos     []string
	Languages []string
	Model     string
}

// Match pairs a record with its normalized similarity score. Scores are
// monotonic: closer vectors always score higher.
type Match struct {
	Record Record
	Score  float64
}

// Stats summarizes the committed contents of a store.
type Stats struct {
	Files    int
	Chunks   int
	ByModel  map[string]int
	Backend  string
}

// Store is the persistence contract shared by all backends. Upsert and
// Delete are idempotent; Search never returns records whose model differs
// from the filter's.
type Store interface {
	// Upsert inserts or replaces records by ID.
	Upsert(ctx context.Context, records []Record) error
	// Delete removes records by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error
	// DeleteFile removes every record for the given file path.
	DeleteFile(ctx context.Context, path string) error
	// Search returns up to k matches ordered best-first. Ties on score
	// break toward the most recently updated record.
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error)
	// HashesForFile returns chunk ID to content hash for one file.
	HashesForFile(ctx context.Context, path string) (map[string]string, error)
	// ListFiles returns the distinct indexed file paths, sorted.
	ListFiles(ctx context.Context) ([]string, error)
	// Stats reports committed record counts.
	Stats(ctx context.Context) (Stats, error)
	// GetMeta returns a metadata value, or "" when unset.
	GetMeta(ctx context.Context, key string) (string, error)
	// SetMeta stores a metadata key-value pair.
	SetMeta(ctx context.Context, key, value string) error
	// Close releases backend resources.
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string // "sqlite", "qdrant", or "memory"
	Path       string // sqlite database path
	Host       string // qdrant host
	Port       int    // qdrant port
	Collection string // qdrant collection name
	Dimension  int    // vector width, required for sqlite and qdrant
}

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "sqlite":
		return OpenSQLite(opts.Path, opts.Dimension)
	case "qdrant":
		return OpenQdrant(ctx, opts.Host, opts.Port, opts.Collection, opts.Dimension)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", opts.Backend)
	}
}

// score converts a distance into a similarity in (0, 1], strictly
// decreasing in distance.
func score(distance float64) float64 {
	return 1.0 / (1.0 + distance)
}
