// Package reasoning maintains the strategy bank: a buffer of task
// experiences that distills repeated success into reusable strategies
// and demotes repeated failure into anti-patterns.
package reasoning

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fractalmem/internal/graph"
	"fractalmem/internal/memtypes"
)

const (
	defaultBufferSize      = 100
	defaultMinExperiences  = 3
	defaultExplorationRate = 0.1
	defaultBoost           = 0.05
	defaultPenalty         = 0.10

	// Once a strategy has failed this many times, each further failure
	// compounds the penalty by 1.5x.
	compoundAfterFailures = 5

	minConfidence = 0.05
	maxConfidence = 0.99

	// Below this confidence a strategy flips to anti-pattern and is no
	// longer selectable.
	antiPatternFloor = 0.2
)

// Options tunes the bank. Zero values take the defaults above.
type Options struct {
	BufferSize      int
	MinExperiences  int
	ExplorationRate float64
	Boost           float64
	Penalty         float64
	Logger          *zap.Logger

	// Rand overrides the exploration RNG, mainly for tests.
	Rand func() float64
}

// Bank buffers experiences and manages the strategy lifecycle. All methods
// are safe for concurrent use.
type Bank struct {
	mu         sync.RWMutex
	buffer     []memtypes.Experience
	strategies map[string]*memtypes.Strategy

	graph  graph.Store
	userID string
	opts   Options
	logger *zap.Logger
}

// New builds a bank. gs may be nil, in which case strategies live only in
// memory and Load/flush are no-ops.
func New(gs graph.Store, userID string, opts Options) *Bank {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.MinExperiences <= 0 {
		opts.MinExperiences = defaultMinExperiences
	}
	if opts.ExplorationRate <= 0 {
		opts.ExplorationRate = defaultExplorationRate
	}
	if opts.Boost <= 0 {
		opts.Boost = defaultBoost
	}
	if opts.Penalty <= 0 {
		opts.Penalty = defaultPenalty
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bank{
		strategies: make(map[string]*memtypes.Strategy),
		graph:      gs,
		userID:     userID,
		opts:       opts,
		logger:     logger,
	}
}

// Load restores persisted strategies from the graph store.
func (b *Bank) Load(ctx context.Context) error {
	if b.graph == nil {
		return nil
	}
	episodes, err := b.graph.ListBySource(ctx, memtypes.SourceStrategy, 1000)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range episodes {
		var s memtypes.Strategy
		if err := json.Unmarshal([]byte(ep.Content), &s); err != nil {
			b.logger.Warn("skipping unreadable strategy episode",
				zap.String("episode_id", ep.ID), zap.Error(err))
			continue
		}
		if s.ID == "" {
			continue
		}
		b.strategies[s.ID] = &s
	}
	b.logger.Info("strategy bank loaded", zap.Int("strategies", len(b.strategies)))
	return nil
}

// Record appends an experience to the buffer, writes it through to the
// graph as an experience episode, and, when enough same-type successes
// have accumulated, extracts a strategy from them.
func (b *Bank) Record(ctx context.Context, exp memtypes.Experience) error {
	if exp.TaskType == "" {
		return &memtypes.ValidationError{Field: "task_type", Msg: "must not be empty"}
	}
	if exp.Outcome != "success" && exp.Outcome != "failure" {
		return &memtypes.ValidationError{Field: "outcome", Msg: "must be success or failure"}
	}
	if exp.Timestamp.IsZero() {
		exp.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.buffer = append(b.buffer, exp)
	if len(b.buffer) > b.opts.BufferSize {
		b.buffer = b.buffer[len(b.buffer)-b.opts.BufferSize:]
	}
	extracted := b.extractLocked(exp.TaskType)
	b.mu.Unlock()

	expID, err := b.persistExperience(ctx, exp)
	if err != nil {
		b.logger.Warn("experience persistence failed",
			zap.String("task_type", exp.TaskType), zap.Error(err))
	}

	for _, s := range extracted {
		if err := b.persist(ctx, s); err != nil {
			b.logger.Warn("strategy persistence failed",
				zap.String("strategy_id", s.ID), zap.Error(err))
			continue
		}
		// The triggering experience is evidence for the fresh strategy.
		if expID != "" && b.graph != nil {
			if err := b.graph.LinkApplied(ctx, "strategy:"+s.ID, expID); err != nil {
				b.logger.Warn("strategy link failed",
					zap.String("strategy_id", s.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// persistExperience writes the experience to the graph as an immutable
// episode. A strategy that was applied gets an APPLIED_IN edge to it.
func (b *Bank) persistExperience(ctx context.Context, exp memtypes.Experience) (string, error) {
	if b.graph == nil {
		return "", nil
	}
	body, err := json.Marshal(exp)
	if err != nil {
		return "", err
	}
	ep := memtypes.Episode{
		ID:              "experience:" + uuid.New().String(),
		Name:            exp.TaskType + " " + exp.Outcome,
		Content:         string(body),
		Source:          memtypes.SourceExperience,
		ImportanceScore: 0.5,
		Level:           memtypes.LevelL2,
		Scale:           "micro",
		UserID:          b.userID,
		CreatedAt:       exp.Timestamp,
		Outcome:         exp.Outcome,
		Metadata:        map[string]any{"type": memtypes.SourceExperience, "task_type": exp.TaskType},
	}
	if err := b.graph.UpsertEpisode(ctx, &ep); err != nil {
		return "", err
	}
	if exp.StrategyID != "" {
		if err := b.graph.LinkApplied(ctx, "strategy:"+exp.StrategyID, ep.ID); err != nil {
			return ep.ID, err
		}
	}
	return ep.ID, nil
}

// extractLocked mines the buffer for a new strategy of the given task
// type. Caller holds b.mu.
func (b *Bank) extractLocked(taskType string) []*memtypes.Strategy {
	var successes, failures []memtypes.Experience
	for _, exp := range b.buffer {
		if exp.TaskType != taskType {
			continue
		}
		if exp.Outcome == "success" {
			successes = append(successes, exp)
		} else {
			failures = append(failures, exp)
		}
	}
	if len(successes) < b.opts.MinExperiences {
		return nil
	}

	sig := signature(successes)
	if len(sig) == 0 {
		return nil
	}
	if b.findBySignatureLocked(taskType, sig) != nil {
		return nil
	}

	now := time.Now().UTC()
	out := []*memtypes.Strategy{{
		ID:           uuid.New().String(),
		TaskType:     taskType,
		Signature:    sig,
		Description:  "successful approach for " + taskType + ": " + strings.Join(sig, ", "),
		Confidence:   min(0.9, 0.5+0.1*float64(len(successes))),
		SuccessCount: len(successes),
		CreatedAt:    now,
		UpdatedAt:    now,
	}}

	// Failures sharing the signature become an explicit warning sign.
	matching := 0
	for _, f := range failures {
		if matchesSignature(f.Actions, sig) {
			matching++
		}
	}
	if matching > 0 {
		out = append(out, &memtypes.Strategy{
			ID:            uuid.New().String(),
			TaskType:      taskType,
			Signature:     sig,
			Description:   "known failure mode for " + taskType + ": " + strings.Join(sig, ", "),
			Confidence:    0.1,
			FailureCount:  matching,
			IsAntiPattern: true,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	for _, s := range out {
		b.strategies[s.ID] = s
		b.logger.Info("strategy extracted",
			zap.String("strategy_id", s.ID),
			zap.String("task_type", taskType),
			zap.Bool("anti_pattern", s.IsAntiPattern),
			zap.Float64("confidence", s.Confidence))
	}
	return out
}

func (b *Bank) findBySignatureLocked(taskType string, sig []string) *memtypes.Strategy {
	for _, s := range b.strategies {
		if s.TaskType != taskType || len(s.Signature) != len(sig) || s.IsAntiPattern {
			continue
		}
		same := true
		for i := range sig {
			if s.Signature[i] != sig[i] {
				same = false
				break
			}
		}
		if same {
			return s
		}
	}
	return nil
}

// Select returns a strategy for the task type, or nil when none apply.
// Usually the highest-confidence strategy wins; a small exploration rate
// picks uniformly instead so mid-tier strategies keep getting trialled.
func (b *Bank) Select(taskType string) *memtypes.Strategy {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var candidates []*memtypes.Strategy
	for _, s := range b.strategies {
		if s.TaskType == taskType && !s.IsAntiPattern {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	if len(candidates) > 1 && b.opts.Rand() < b.opts.ExplorationRate {
		// Uniform over the whole pool, the incumbent included.
		chosen = candidates[int(b.opts.Rand()*float64(len(candidates)))]
	}
	cp := *chosen
	return &cp
}

// AntiPatterns returns the anti-pattern strategies for a task type, so
// callers can warn against known failure modes.
func (b *Bank) AntiPatterns(taskType string) []memtypes.Strategy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []memtypes.Strategy
	for _, s := range b.strategies {
		if s.TaskType == taskType && s.IsAntiPattern {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordOutcome adjusts a strategy's confidence after it was applied.
func (b *Bank) RecordOutcome(ctx context.Context, strategyID string, success bool) error {
	b.mu.Lock()
	s, ok := b.strategies[strategyID]
	if !ok {
		b.mu.Unlock()
		return memtypes.ErrNotFound
	}

	if success {
		s.SuccessCount++
		s.Confidence += b.opts.Boost
	} else {
		s.FailureCount++
		penalty := b.opts.Penalty
		if extra := s.FailureCount - compoundAfterFailures; extra > 0 {
			for i := 0; i < extra; i++ {
				penalty *= 1.5
			}
		}
		s.Confidence -= penalty
	}
	if s.Confidence > maxConfidence {
		s.Confidence = maxConfidence
	}
	if s.Confidence < minConfidence {
		s.Confidence = minConfidence
	}
	if !s.IsAntiPattern && s.Confidence < antiPatternFloor {
		s.IsAntiPattern = true
		b.logger.Info("strategy demoted to anti-pattern",
			zap.String("strategy_id", s.ID),
			zap.Float64("confidence", s.Confidence))
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	b.mu.Unlock()

	return b.persist(ctx, &cp)
}

// Strategies returns a snapshot of every known strategy.
func (b *Bank) Strategies() []memtypes.Strategy {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]memtypes.Strategy, 0, len(b.strategies))
	for _, s := range b.strategies {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BufferLen reports how many experiences the rolling buffer currently holds.
func (b *Bank) BufferLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buffer)
}

// persist writes the strategy through to the graph store as an episode
// keyed by strategy ID, so restarts keep the learned state.
func (b *Bank) persist(ctx context.Context, s *memtypes.Strategy) error {
	if b.graph == nil {
		return nil
	}
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.graph.UpsertEpisode(ctx, &memtypes.Episode{
		ID:              "strategy:" + s.ID,
		Name:            s.TaskType + " strategy",
		Content:         string(body),
		Source:          memtypes.SourceStrategy,
		ImportanceScore: s.Confidence,
		Level:           memtypes.LevelL3,
		Scale:           "macro",
		UserID:          b.userID,
		CreatedAt:       s.CreatedAt,
		Metadata:        map[string]any{"type": memtypes.SourceStrategy, "task_type": s.TaskType},
	})
}

// signature extracts the tokens (longer than 3 characters) that occur in
// more than half of the successes' action strings.
func signature(successes []memtypes.Experience) []string {
	counts := make(map[string]int)
	for _, exp := range successes {
		seen := make(map[string]bool)
		for _, action := range exp.Actions {
			for _, tok := range strings.Fields(strings.ToLower(action)) {
				tok = strings.Trim(tok, ".,;:!?\"'()")
				if len(tok) > 3 && !seen[tok] {
					seen[tok] = true
					counts[tok]++
				}
			}
		}
	}
	threshold := len(successes) / 2
	var sig []string
	for tok, n := range counts {
		if n > threshold {
			sig = append(sig, tok)
		}
	}
	sort.Strings(sig)
	return sig
}

func matchesSignature(actions []string, sig []string) bool {
	joined := strings.ToLower(strings.Join(actions, " "))
	for _, tok := range sig {
		if !strings.Contains(joined, tok) {
			return false
		}
	}
	return len(sig) > 0
}
