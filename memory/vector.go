package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/admadc/admadc/event"
)

// EmbeddingDim is the fixed dimensionality of every indexed vector.
const EmbeddingDim = 384

// Embedder turns text into a vector. Implementations may call an external
// embedding API; the hash embedder below keeps the index functional offline.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder is a deterministic offline embedder: the text is chunked
// into words, each word hashed into a bucket with a signed contribution.
// Similar texts share words and therefore buckets, which is enough signal
// for the heuristic ranker to work with.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns an embedder producing vectors of the given
// dimension, defaulting to EmbeddingDim.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = EmbeddingDim
	}
	return &HashEmbedder{dim: dim}
}

// Embed implements Embedder. The output depends only on the input text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(word))
		bucket := int(binary.BigEndian.Uint32(sum[:4])) % e.dim
		if bucket < 0 {
			bucket += e.dim
		}
		sign := 1.0
		if sum[4]&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign
	}
	return normalize(vec), nil
}

// ResizeVector coerces a vector to the target dimension deterministically:
// longer vectors are strided down, shorter ones tiled until full.
func ResizeVector(vec []float64, dim int) []float64 {
	if len(vec) == dim {
		return vec
	}
	out := make([]float64, dim)
	if len(vec) == 0 {
		return out
	}
	if len(vec) > dim {
		stride := float64(len(vec)) / float64(dim)
		for i := 0; i < dim; i++ {
			out[i] = vec[int(float64(i)*stride)]
		}
		return out
	}
	for i := 0; i < dim; i++ {
		out[i] = vec[i%len(vec)]
	}
	return out
}

func normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// eventWeight holds the (importance, impact) constants of an indexed type.
type eventWeight struct {
	importance float64
	impact     float64
}

// indexedTypes is the indexing policy: which event types enter the vector
// store and how heavily their results are weighted on retrieval.
var indexedTypes = map[event.Type]eventWeight{
	event.TypePlanCreated:        {importance: 0.9, impact: 0.6},
	event.TypePipelineConclusion: {importance: 1.0, impact: 0.9},
	event.TypeQAFailed:           {importance: 0.7, impact: 0.8},
	event.TypeSecurityBlocked:    {importance: 0.9, impact: 0.9},
	event.TypeQAPassed:           {importance: 0.5, impact: 0.4},
	event.TypeSecurityApproved:   {importance: 0.6, impact: 0.5},
}

// IndexPayload is the metadata stored alongside each vector.
type IndexPayload struct {
	Text        string    `json:"text"`
	EventType   string    `json:"event_type"`
	PlanID      string    `json:"plan_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Importance  float64   `json:"importance"`
	Impact      float64   `json:"impact"`
	AccessCount int       `json:"access_count"`
}

// SearchResult is one scored retrieval hit.
type SearchResult struct {
	ID             string       `json:"id"`
	Score          float64      `json:"score"`
	HeuristicScore float64      `json:"heuristic_score"`
	Payload        IndexPayload `json:"payload"`
}

type indexPoint struct {
	vector  []float64
	payload IndexPayload
}

// Index is the in-process vector store.
type Index struct {
	mu       sync.Mutex
	embedder Embedder
	dim      int
	points   map[string]*indexPoint
	now      func() time.Time
}

// NewIndex builds an empty index. A nil embedder selects the offline hash
// embedder.
func NewIndex(embedder Embedder) *Index {
	if embedder == nil {
		embedder = NewHashEmbedder(EmbeddingDim)
	}
	return &Index{
		embedder: embedder,
		dim:      EmbeddingDim,
		points:   make(map[string]*indexPoint),
		now:      time.Now,
	}
}

// IndexEvent indexes one envelope if its type is in the indexing policy.
func (ix *Index) IndexEvent(ctx context.Context, env *event.Envelope) error {
	weight, ok := indexedTypes[env.EventType]
	if !ok {
		return nil
	}

	text := indexText(env)
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed event %s: %w", env.EventID, err)
	}
	vec = ResizeVector(vec, ix.dim)

	created := env.Timestamp
	if created.IsZero() {
		created = ix.now().UTC()
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.points[env.EventID] = &indexPoint{
		vector: vec,
		payload: IndexPayload{
			Text:       text,
			EventType:  string(env.EventType),
			PlanID:     env.PlanID(),
			CreatedAt:  created,
			Importance: weight.importance,
			Impact:     weight.impact,
		},
	}
	return nil
}

// Search embeds the query, filters by plan and event types, scores the
// survivors with the retrieval heuristic, and returns the top hits sorted
// by heuristic score. Returned points have their access count incremented.
func (ix *Index) Search(ctx context.Context, query, planID string, eventTypes []string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	qvec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qvec = ResizeVector(qvec, ix.dim)

	typeFilter := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		typeFilter[t] = struct{}{}
	}

	now := ix.now().UTC()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	results := make([]SearchResult, 0, len(ix.points))
	for id, point := range ix.points {
		if planID != "" && point.payload.PlanID != planID {
			continue
		}
		if len(typeFilter) > 0 {
			if _, ok := typeFilter[point.payload.EventType]; !ok {
				continue
			}
		}

		s := cosine(qvec, point.vector)
		h := heuristicScore(s, point.payload, now)
		results = append(results, SearchResult{
			ID:             id,
			Score:          s,
			HeuristicScore: h,
			Payload:        point.payload,
		})
	}

	// Map iteration order is random, so score ties need an explicit
	// tiebreaker to keep result order deterministic.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].HeuristicScore != results[j].HeuristicScore {
			return results[i].HeuristicScore > results[j].HeuristicScore
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	for _, r := range results {
		ix.points[r.ID].payload.AccessCount++
	}
	return results, nil
}

// Len reports the number of indexed points.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.points)
}

// heuristicScore blends similarity with importance, impact, recency, and
// access frequency:
//
//	s*(1 + 0.4*importance + 0.3*impact) + 0.2/(1+age_hours) + 0.1*min(1, ln(1+access)/3)
func heuristicScore(similarity float64, payload IndexPayload, now time.Time) float64 {
	ageHours := now.Sub(payload.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	frequency := math.Log(1+float64(payload.AccessCount)) / 3
	if frequency > 1 {
		frequency = 1
	}
	return similarity*(1+0.4*payload.Importance+0.3*payload.Impact) +
		0.2*(1/(1+ageHours)) +
		0.1*frequency
}

// indexText maps an envelope to the short text stored with its vector.
func indexText(env *event.Envelope) string {
	var b strings.Builder
	b.WriteString(string(env.EventType))

	switch env.EventType {
	case event.TypePlanCreated:
		var p event.PlanCreated
		if event.Decode(env, &p) == nil {
			b.WriteString(": " + p.OriginalPrompt)
			for _, t := range p.Tasks {
				b.WriteString(" | " + t.Description)
			}
		}
	case event.TypePipelineConclusion:
		var p event.PipelineConclusion
		if event.Decode(env, &p) == nil {
			b.WriteString(": " + p.ConclusionText)
		}
	case event.TypeQAPassed, event.TypeQAFailed:
		var p event.QAResult
		if event.Decode(env, &p) == nil {
			b.WriteString(": " + p.FilePath)
			for _, issue := range p.Issues {
				b.WriteString(" | " + issue)
			}
			if p.Reasoning != "" {
				b.WriteString(" | " + p.Reasoning)
			}
		}
	case event.TypeSecurityApproved, event.TypeSecurityBlocked:
		var p event.SecurityResult
		if event.Decode(env, &p) == nil {
			for _, v := range p.Violations {
				b.WriteString(" | " + v)
			}
			if p.Reasoning != "" {
				b.WriteString(" | " + p.Reasoning)
			}
		}
	}
	return b.String()
}
