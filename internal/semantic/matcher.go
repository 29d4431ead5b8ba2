// Package semantic provides embedding-based similarity for topic and arc
// deduplication.
package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cache entries beyond this are evicted; which entry goes is arbitrary.
const maxCacheEntries = 1000

// Keys are derived from the input's leading bytes so near-identical long
// texts share one cache slot.
const cacheKeyPrefixChars = 200

// Embedder produces a vector for one short text. llm.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float64, error)
}

// Item is the unit of comparison: a named thing with key points and an
// owning digest topic. Both episode topics and arcs reduce to this shape.
type Item struct {
	ID               int64
	Name             string
	KeyPoints        []string
	DigestTopic      string
	FirstMentionedAt time.Time
	MentionCount     int
}

// EmbedText is the canonical text embedded for an item: its name joined
// with its key points.
func (it Item) EmbedText() string {
	text := it.Name
	for _, p := range it.KeyPoints {
		text += ". " + p
	}
	return text
}

// Match is the best existing item found for a candidate.
type Match struct {
	Item       Item
	Similarity float64
}

// Matcher embeds texts through a provider and caches vectors per process.
type Matcher struct {
	embedder Embedder
	model    string
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string][]float64
}

func NewMatcher(embedder Embedder, model string, log zerolog.Logger) *Matcher {
	return &Matcher{
		embedder: embedder,
		model:    model,
		log:      log,
		cache:    make(map[string][]float64),
	}
}

func cacheKey(text string) string {
	if len(text) > cacheKeyPrefixChars {
		return text[:cacheKeyPrefixChars]
	}
	return text
}

// Embedding returns the vector for a text, consulting the cache first.
func (m *Matcher) Embedding(ctx context.Context, text string) ([]float64, error) {
	key := cacheKey(text)

	m.mu.Lock()
	if vec, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return vec, nil
	}
	m.mu.Unlock()

	vec, err := m.embedder.Embed(ctx, m.model, text)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.cache) >= maxCacheEntries {
		for k := range m.cache {
			delete(m.cache, k)
			break
		}
	}
	m.cache[key] = vec
	m.mu.Unlock()
	return vec, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero-norm vectors yield 0.0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FindMatch returns the highest-similarity existing item at or above the
// threshold, or nil when none qualifies. A non-empty digestTopic restricts
// comparison to items in that topic.
func (m *Matcher) FindMatch(ctx context.Context, candidate Item, existing []Item, digestTopic string, threshold float64) (*Match, error) {
	candVec, err := m.Embedding(ctx, candidate.EmbedText())
	if err != nil {
		return nil, fmt.Errorf("embed candidate %q: %w", candidate.Name, err)
	}

	var best *Match
	for _, it := range existing {
		if digestTopic != "" && it.DigestTopic != digestTopic {
			continue
		}
		vec, err := m.Embedding(ctx, it.EmbedText())
		if err != nil {
			return nil, fmt.Errorf("embed %q: %w", it.Name, err)
		}
		sim := CosineSimilarity(candVec, vec)
		if sim < threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &Match{Item: it, Similarity: sim}
		}
	}
	return best, nil
}

// DuplicateGroups partitions items into groups of near-duplicates by
// union-find over the pairwise similarity graph at the threshold. Only
// groups of two or more are returned, each sorted canonical-first:
// oldest first_mentioned_at, then highest mention_count.
func (m *Matcher) DuplicateGroups(ctx context.Context, items []Item, threshold float64) ([][]Item, error) {
	if len(items) < 2 {
		return nil, nil
	}

	vecs := make([][]float64, len(items))
	for i, it := range items {
		vec, err := m.Embedding(ctx, it.EmbedText())
		if err != nil {
			return nil, fmt.Errorf("embed %q: %w", it.Name, err)
		}
		vecs[i] = vec
	}

	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if CosineSimilarity(vecs[i], vecs[j]) >= threshold {
				parent[find(i)] = find(j)
			}
		}
	}

	byRoot := make(map[int][]Item)
	roots := make([]int, 0)
	for i, it := range items {
		r := find(i)
		if _, seen := byRoot[r]; !seen {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], it)
	}

	var groups [][]Item
	for _, r := range roots {
		group := byRoot[r]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(a, b int) bool {
			if !group[a].FirstMentionedAt.Equal(group[b].FirstMentionedAt) {
				return group[a].FirstMentionedAt.Before(group[b].FirstMentionedAt)
			}
			return group[a].MentionCount > group[b].MentionCount
		})
		groups = append(groups, group)
	}
	return groups, nil
}
