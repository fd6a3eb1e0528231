package platform

import (
	"context"
	"math"
	"sort"
	"sync"
)

// CompletionRequest asks the LLM service for a completion.
type CompletionRequest struct {
	Model       string         `json:"model,omitempty"`
	System      string         `json:"system,omitempty"`
	Prompt      string         `json:"prompt"`
	MaxTokens   int            `json:"maxTokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Completion is the final result of a complete or stream call.
type Completion struct {
	Text       string `json:"text"`
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// Usage counts tokens consumed by a completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// CompletionChunk is one streamed fragment. The cross-process path
// degrades streams to a single final chunk.
type CompletionChunk struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// LLM is the completion service.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	// Stream invokes fn per chunk and returns the assembled completion.
	Stream(ctx context.Context, req CompletionRequest, fn func(CompletionChunk)) (*Completion, error)
}

// Embeddings turns text into vectors.
type Embeddings interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorItem is one entry in the vector store.
type VectorItem struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VectorMatch is a search hit with its similarity score.
type VectorMatch struct {
	VectorItem
	Score float64 `json:"score"`
}

// Vectors is the vector store.
type Vectors interface {
	Upsert(ctx context.Context, items []VectorItem) error
	// Search returns the topK items most similar to query, best first.
	// filter restricts matches to items whose metadata equals every
	// filter entry.
	Search(ctx context.Context, query []float32, topK int, filter map[string]any) ([]VectorMatch, error)
	Delete(ctx context.Context, ids []string) error
	Get(ctx context.Context, id string) (item *VectorItem, found bool, err error)
	Count(ctx context.Context) (int64, error)
}

// UnavailableLLM rejects every call with ErrNotConfigured. It fills the
// LLM slot when no provider is wired.
type UnavailableLLM struct{}

func (UnavailableLLM) Complete(context.Context, CompletionRequest) (*Completion, error) {
	return nil, errNotConfigured("llm")
}

func (UnavailableLLM) Stream(context.Context, CompletionRequest, func(CompletionChunk)) (*Completion, error) {
	return nil, errNotConfigured("llm")
}

// UnavailableEmbeddings rejects every call with ErrNotConfigured.
type UnavailableEmbeddings struct{}

func (UnavailableEmbeddings) Embed(context.Context, string) ([]float32, error) {
	return nil, errNotConfigured("embeddings")
}

func (UnavailableEmbeddings) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errNotConfigured("embeddings")
}

var (
	_ LLM        = UnavailableLLM{}
	_ Embeddings = UnavailableEmbeddings{}
)

// MemoryVectors is a brute-force in-memory vector store using cosine
// similarity. Fine for small working sets and tests.
type MemoryVectors struct {
	mu    sync.Mutex
	items map[string]VectorItem
}

// NewMemoryVectors creates an empty in-memory vector store.
func NewMemoryVectors() *MemoryVectors {
	return &MemoryVectors{items: make(map[string]VectorItem)}
}

func (v *MemoryVectors) Upsert(_ context.Context, items []VectorItem) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, item := range items {
		if item.ID == "" {
			continue
		}
		stored := VectorItem{
			ID:       item.ID,
			Vector:   append([]float32(nil), item.Vector...),
			Metadata: item.Metadata,
		}
		v.items[item.ID] = stored
	}
	return nil
}

func (v *MemoryVectors) Search(_ context.Context, query []float32, topK int, filter map[string]any) ([]VectorMatch, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if topK <= 0 {
		topK = 10
	}

	matches := make([]VectorMatch, 0, len(v.items))
	for _, item := range v.items {
		if !metadataMatches(item.Metadata, filter) {
			continue
		}
		matches = append(matches, VectorMatch{
			VectorItem: item,
			Score:      cosine(query, item.Vector),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (v *MemoryVectors) Delete(_ context.Context, ids []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		delete(v.items, id)
	}
	return nil
}

func (v *MemoryVectors) Get(_ context.Context, id string) (*VectorItem, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	item, ok := v.items[id]
	if !ok {
		return nil, false, nil
	}
	cp := VectorItem{
		ID:       item.ID,
		Vector:   append([]float32(nil), item.Vector...),
		Metadata: item.Metadata,
	}
	return &cp, true, nil
}

func (v *MemoryVectors) Count(_ context.Context) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return int64(len(v.items)), nil
}

func metadataMatches(metadata, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ Vectors = (*MemoryVectors)(nil)
