// Package embedding stores fixed-length vectors for files and tests and
// answers nearest-neighbor queries for the impacted strategy. Vectors are
// produced offline (or by a prior indexing run) and read here; the cache
// file is msgpack on disk.
package embedding

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Cache maps file paths and test ids to embedding vectors. All vectors in
// one cache share a dimension.
type Cache struct {
	Dimension int                  `msgpack:"dimension"`
	Files     map[string][]float32 `msgpack:"files"`
	Tests     map[string][]float32 `msgpack:"tests"`
}

// Load reads a cache file. A missing file yields an empty cache, matching
// the context-assembly rule that every input may fail silently to empty.
func Load(path string) (*Cache, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Cache{Files: map[string][]float32{}, Tests: map[string][]float32{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var c Cache
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("embedding cache %s: %w", path, err)
	}
	if c.Files == nil {
		c.Files = map[string][]float32{}
	}
	if c.Tests == nil {
		c.Tests = map[string][]float32{}
	}
	return &c, nil
}

// Save writes the cache atomically (temp file + rename).
func (c *Cache) Save(path string) error {
	b, err := msgpack.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Neighbor is one test within the similarity threshold of a changed file.
type Neighbor struct {
	TestID string
	File   string
	Score  float64
}

// TestsNearFiles returns tests whose vectors are within threshold cosine
// similarity of any of the given files' vectors. Results are deduplicated
// by test id keeping the best score, then ordered by test id so callers
// get deterministic output.
func (c *Cache) TestsNearFiles(files []string, threshold float64) []Neighbor {
	best := map[string]Neighbor{}
	for _, file := range files {
		fv, ok := c.Files[file]
		if !ok {
			continue
		}
		for testID, tv := range c.Tests {
			score := Cosine(fv, tv)
			if score < threshold {
				continue
			}
			if prev, ok := best[testID]; !ok || score > prev.Score {
				best[testID] = Neighbor{TestID: testID, File: file, Score: score}
			}
		}
	}
	out := make([]Neighbor, 0, len(best))
	for _, n := range best {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestID < out[j].TestID })
	return out
}

// Cosine computes cosine similarity between two vectors. Mismatched
// dimensions or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
