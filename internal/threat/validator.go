// Package threat detects script injection by comparing candidate html against a baseline of
// patterns that already exist in the trusted site.
package threat

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// DefaultBlockThreshold is the score at which a new pattern rejects the document.
	DefaultBlockThreshold = 7
	// DefaultMonitorThreshold is the score at which an allowed pattern is written to the audit log.
	DefaultMonitorThreshold = 4
	// DefaultCacheSize bounds the number of cached results.
	DefaultCacheSize = 256

	// ReasonNewPattern marks a document rejected because of a high-risk pattern.
	ReasonNewPattern = "NEW_XSS_PATTERN_DETECTED"
	// ReasonParseFailed marks a document rejected because it could not be parsed.
	ReasonParseFailed = "PARSE_FAILED"
)

// Finding is a scored pattern.
type Finding struct {
	Pattern    Pattern   `json:"pattern"`
	InBaseline bool      `json:"in_baseline"`
	Score      int       `json:"score"`
	Risk       RiskLevel `json:"risk"`
	Blocking   bool      `json:"blocking"`
}

// Result is the outcome of validating one document.
type Result struct {
	Valid    bool      `json:"valid"`
	Risk     RiskLevel `json:"risk"`
	Reason   string    `json:"reason,omitempty"`
	MaxScore int       `json:"max_score"`
	Findings []Finding `json:"findings,omitempty"`
}

// Err returns a *ValidationError for invalid results and nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	blocking := make([]Finding, 0, len(r.Findings))
	for _, finding := range r.Findings {
		if finding.Blocking {
			blocking = append(blocking, finding)
		}
	}
	return &ValidationError{Risk: r.Risk, Reason: r.Reason, Findings: blocking}
}

// ValidationError rejects an edit whose rendered document carries a high-risk pattern.
type ValidationError struct {
	Risk     RiskLevel
	Reason   string
	Findings []Finding
}

func (e *ValidationError) Error() string {
	if len(e.Findings) == 0 {
		return fmt.Sprintf("content rejected: %s (risk %s)", e.Reason, e.Risk)
	}
	return fmt.Sprintf("content rejected: %s (risk %s, %d blocking pattern(s), first %s on %s)",
		e.Reason, e.Risk, len(e.Findings), e.Findings[0].Pattern.Type, e.Findings[0].Pattern.ElementSelector)
}

// Permanent marks rejected content as not retryable by the sync worker.
func (e *ValidationError) Permanent() bool { return true }

// Config configures a Validator.
type Config struct {
	Baseline         *Baseline
	BlockThreshold   int
	MonitorThreshold int
	CacheSize        int
	Logger           *zap.Logger
}

// Validator scores candidate documents against the current baseline. It is safe for concurrent use.
type Validator struct {
	baseline         atomic.Pointer[Baseline]
	blockThreshold   int
	monitorThreshold int
	cache            *resultCache
	logger           *zap.Logger
}

// NewValidator applies defaults and returns a Validator.
func NewValidator(cfg Config) (*Validator, error) {
	block := cfg.BlockThreshold
	if block <= 0 {
		block = DefaultBlockThreshold
	}
	monitor := cfg.MonitorThreshold
	if monitor <= 0 {
		monitor = DefaultMonitorThreshold
	}
	if monitor > block {
		return nil, fmt.Errorf("threat: monitor threshold %d exceeds block threshold %d", monitor, block)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validator := &Validator{
		blockThreshold:   block,
		monitorThreshold: monitor,
		cache:            newResultCache(size),
		logger:           logger,
	}
	baseline := cfg.Baseline
	if baseline == nil {
		baseline = EmptyBaseline()
	}
	validator.baseline.Store(baseline)
	return validator, nil
}

// Baseline returns the baseline currently in use.
func (v *Validator) Baseline() *Baseline {
	return v.baseline.Load()
}

// SwapBaseline replaces the baseline and drops every cached result.
func (v *Validator) SwapBaseline(baseline *Baseline) {
	if baseline == nil {
		baseline = EmptyBaseline()
	}
	v.baseline.Store(baseline)
	v.cache.clear()
}

// Validate scores every pattern in document. Patterns already present in the baseline never
// block; new patterns at or above the block threshold reject the document.
func (v *Validator) Validate(document, filePath string) Result {
	key := cacheKey(document, filePath)
	if cached, ok := v.cache.get(key); ok {
		return cached
	}
	result := v.evaluate(document, filePath)
	v.cache.put(key, result)
	return result
}

func (v *Validator) evaluate(document, filePath string) Result {
	patterns, err := ExtractPatterns(document)
	if err != nil {
		v.logger.Error("threat validation failed closed",
			zap.String("file_path", filePath),
			zap.Error(err))
		return Result{Valid: false, Risk: RiskCritical, Reason: ReasonParseFailed, MaxScore: maxScore}
	}
	baseline := v.baseline.Load()
	result := Result{Valid: true, Risk: RiskNone}
	for _, pattern := range patterns {
		inBaseline := baseline.Contains(pattern.Hash)
		score := ScorePattern(pattern.Normalized, inBaseline)
		finding := Finding{
			Pattern:    pattern,
			InBaseline: inBaseline,
			Score:      score,
			Risk:       BucketForScore(score),
			Blocking:   !inBaseline && score >= v.blockThreshold,
		}
		if score > result.MaxScore {
			result.MaxScore = score
		}
		switch {
		case finding.Blocking:
			result.Valid = false
			result.Reason = ReasonNewPattern
		case score >= v.monitorThreshold:
			v.logger.Warn("script pattern allowed under audit",
				zap.String("file_path", filePath),
				zap.String("pattern_type", string(pattern.Type)),
				zap.String("selector", pattern.ElementSelector),
				zap.String("attribute", pattern.AttributeName),
				zap.String("hash", pattern.Hash),
				zap.Bool("in_baseline", inBaseline),
				zap.Int("score", score))
		}
		result.Findings = append(result.Findings, finding)
	}
	result.Risk = BucketForScore(result.MaxScore)
	if !result.Valid {
		v.logger.Warn("script pattern blocked",
			zap.String("file_path", filePath),
			zap.String("risk", string(result.Risk)),
			zap.Int("max_score", result.MaxScore))
	}
	return result
}

func cacheKey(document, filePath string) string {
	hasher := sha256.New()
	hasher.Write([]byte(document))
	hasher.Write([]byte{0})
	hasher.Write([]byte(strings.TrimSpace(filePath)))
	return hex.EncodeToString(hasher.Sum(nil))
}

// resultCache is a bounded map that evicts the oldest inserted entry when full.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	key    string
	result Result
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

func (c *resultCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	return element.Value.(*cacheEntry).result, true
}

func (c *resultCache) put(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, result: result})
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.capacity)
}
