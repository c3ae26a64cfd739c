package classifier

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/llm"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// maxConfidenceDelta bounds how far enrichment may move the deterministic
// confidence in either direction.
const maxConfidenceDelta = 0.1

const defaultCacheTTL = 24 * time.Hour

// Completer is the slice of the llm client the enricher needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Enricher annotates deterministic classifications with model reasoning.
// It never changes the category and swallows every failure: the
// deterministic result always survives.
type Enricher struct {
	Client   Completer
	Provider string
	Model    string
	Timeout  time.Duration
	CacheDir string // empty disables the cache
	CacheTTL time.Duration
	Logger   *zap.Logger
	now      func() time.Time
}

// aiReply is the JSON envelope the model is asked to return.
type aiReply struct {
	Reasoning       string   `json:"reasoning"`
	ConfidenceDelta float64  `json:"confidence_delta"`
	SuggestedFixes  []string `json:"suggested_fixes"`
	Category        string   `json:"category"` // accepted but ignored
}

const enrichSystemPrompt = `You review automated test failures. Given a failure category, a confidence score, and the raw error signature, respond with a single JSON object: {"reasoning": "<one paragraph>", "confidence_delta": <number in [-0.1, 0.1]>, "suggested_fixes": ["..."]}. Do not include any other text.`

// Enrich applies the AI stage to a deterministic classification in place.
func (e *Enricher) Enrich(ctx context.Context, c *model.FailureClassification, signature string) {
	if e == nil || e.Client == nil || c == nil {
		return
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reply, ok := e.cachedReply(c.Category, signature)
	if !ok {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := e.Client.Complete(callCtx, llm.Request{
			Provider: e.Provider,
			Model:    e.Model,
			System:   enrichSystemPrompt,
			Prompt: fmt.Sprintf("category: %s\nconfidence: %.2f\nsignature:\n%s",
				c.Category, c.Confidence, signature),
			MaxTokens:   512,
			Temperature: 0,
		})
		if err != nil {
			logger.Debug("ai enrichment skipped", zap.String("test_id", c.TestID), zap.Error(err))
			return
		}
		if err := json.Unmarshal([]byte(resp.Text), &reply); err != nil {
			logger.Debug("ai enrichment returned non-JSON", zap.String("test_id", c.TestID), zap.Error(err))
			return
		}
		e.storeReply(c.Category, signature, reply)
	}

	delta := clampDelta(reply.ConfidenceDelta)
	c.AIEnrichment = &model.AIEnrichment{
		Reasoning:       reply.Reasoning,
		SuggestedFixes:  reply.SuggestedFixes,
		ConfidenceDelta: delta,
	}
	c.Confidence = clamp01(c.Confidence + delta)
	c.AIEnhanced = true
}

func clampDelta(d float64) float64 {
	if d > maxConfidenceDelta {
		return maxConfidenceDelta
	}
	if d < -maxConfidenceDelta {
		return -maxConfidenceDelta
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cacheKey keys on category and signature so the same failure text under a
// different deterministic category is a different entry.
func (e *Enricher) cacheKey(category, signature string) string {
	sum := blake3.Sum256([]byte(category + "\x00" + signature))
	return hex.EncodeToString(sum[:16]) + ".json"
}

type cacheEntry struct {
	StoredAt time.Time `json:"stored_at"`
	Reply    aiReply   `json:"reply"`
}

func (e *Enricher) cachedReply(category, signature string) (aiReply, bool) {
	if e.CacheDir == "" {
		return aiReply{}, false
	}
	data, err := os.ReadFile(filepath.Join(e.CacheDir, e.cacheKey(category, signature)))
	if err != nil {
		return aiReply{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return aiReply{}, false
	}
	ttl := e.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if e.clock().Sub(entry.StoredAt) > ttl {
		return aiReply{}, false
	}
	return entry.Reply, true
}

func (e *Enricher) storeReply(category, signature string, reply aiReply) {
	if e.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(e.CacheDir, 0o755); err != nil {
		return
	}
	data, err := json.Marshal(cacheEntry{StoredAt: e.clock(), Reply: reply})
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(e.CacheDir, e.cacheKey(category, signature)), data, 0o644)
}

func (e *Enricher) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}
