// Package agent is the conversational facade: it wires the memory tiers,
// hybrid retrieval, and the strategy bank behind a single Chat call.
package agent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fractalmem/internal/config"
	"fractalmem/internal/embedding"
	"fractalmem/internal/graph"
	"fractalmem/internal/llm"
	"fractalmem/internal/memory"
	"fractalmem/internal/memtypes"
	"fractalmem/internal/reasoning"
	"fractalmem/internal/retrieval"
	"fractalmem/internal/volatile"
)

const (
	// recentTurnWindow is how many L0 turns feed the prompt.
	recentTurnWindow = 15
	// summaryWindow is how many L1 summaries feed the prompt.
	summaryWindow = 3
	// When at least this many recent turns already match the message,
	// the graph retrieval budget shrinks: the answer is likely local.
	localHitThreshold = 3

	fallbackResponse = "I had trouble reaching the language model just now. " +
		"I've still noted what you said and will pick it up next time."
)

// Response is the result of one Chat exchange.
type Response struct {
	Text             string   `json:"response"`
	TaskType         string   `json:"task_type"`
	ContextCount     int      `json:"context_count"`
	StrategiesUsed   []string `json:"strategies_used"`
	ProcessingTimeMS float64  `json:"processing_time_ms"`
	Degraded         bool     `json:"degraded"`
}

// replayCap bounds the queue of turns whose L0 write failed; the oldest
// entry is dropped on overflow.
const replayCap = 100

// Agent composes the memory pipeline, retriever, reasoning bank, and LLM.
type Agent struct {
	mem    *memory.FractalMemory
	bank   *reasoning.Bank
	client llm.Client
	logger *zap.Logger

	retrievalLimit int

	// replayMu guards replay, the turns awaiting a rewrite after a
	// failed Remember.
	replayMu sync.Mutex
	replay   []memtypes.Turn

	// closers holds components this agent constructed itself. Injected
	// components belong to the caller and are left open.
	closers []io.Closer
}

// Option injects a pre-built component. Injected components are not
// closed by Close.
type Option func(*Agent)

// WithMemory supplies the memory pipeline.
func WithMemory(m *memory.FractalMemory) Option {
	return func(a *Agent) { a.mem = m }
}

// WithRetriever supplies the recaller used for graph retrieval. It is
// attached to the memory pipeline during construction.
func WithRetriever(r memory.Recaller) Option {
	return func(a *Agent) {
		if a.mem != nil {
			a.mem.SetRecaller(r)
		}
	}
}

// WithReasoning supplies the strategy bank.
func WithReasoning(b *reasoning.Bank) Option {
	return func(a *Agent) { a.bank = b }
}

// WithLLM supplies the completion client.
func WithLLM(c llm.Client) Option {
	return func(a *Agent) { a.client = c }
}

// New builds an agent from configuration, constructing any component not
// injected through options. Constructed components are owned and closed
// by Close.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{logger: logger, retrievalLimit: cfg.RetrievalLimit}

	// Memory must exist before WithRetriever can attach to it, so apply
	// the injection pass, build what is missing, then re-apply.
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil && cfg.GenAIAPIKey != "" {
		client, err := llm.NewGenAIClient(cfg.GenAIAPIKey, cfg.LLMModel)
		if err != nil {
			return nil, fmt.Errorf("agent: llm client: %w", err)
		}
		a.client = llm.NewBreaker(client, logger)
	}

	if a.mem == nil {
		mem, closers, err := buildMemory(ctx, cfg, a.client, logger)
		if err != nil {
			a.closeAll()
			return nil, err
		}
		a.mem = mem
		a.closers = append(a.closers, closers...)
	}

	if a.bank == nil {
		a.bank = reasoning.New(a.mem.Graph(), cfg.UserID, reasoning.Options{
			BufferSize:      cfg.ExperienceBufferSize,
			MinExperiences:  cfg.MinExperiencesForStrategy,
			ExplorationRate: cfg.ExplorationRate,
			Boost:           cfg.ConfidenceBoost,
			Penalty:         cfg.ConfidencePenalty,
			Logger:          logger,
		})
		if err := a.bank.Load(ctx); err != nil {
			logger.Warn("strategy bank load failed", zap.Error(err))
		}
	}

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// buildMemory constructs the full storage stack from configuration.
func buildMemory(ctx context.Context, cfg *config.Config, client llm.Client, logger *zap.Logger) (*memory.FractalMemory, []io.Closer, error) {
	var closers []io.Closer

	vs, err := volatile.New(cfg.VolatileURL, cfg.UserID, volatile.Options{
		L0Capacity: cfg.L0Capacity,
		L1TTL:      cfg.L1TTL(),
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("agent: volatile store: %w", err)
	}
	closers = append(closers, vs)

	var gs graph.Store
	switch cfg.GraphBackend {
	case "neo4j":
		gs, err = graph.NewNeo4jStore(ctx, cfg.GraphURI, cfg.GraphUser,
			cfg.GraphPassword, cfg.UserID, cfg.EmbeddingDimensions, logger)
	default:
		gs, err = graph.NewSQLiteStore(cfg.SQLitePath, cfg.UserID,
			cfg.EmbeddingDimensions, logger)
	}
	if err != nil {
		closeQuiet(closers)
		return nil, nil, fmt.Errorf("agent: graph store: %w", err)
	}
	closers = append(closers, gs)

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.EmbeddingProvider,
		OllamaEndpoint: cfg.OllamaEndpoint,
		OllamaModel:    cfg.OllamaModel,
		GenAIAPIKey:    cfg.GenAIAPIKey,
		GenAIModel:     cfg.LLMModel,
		Dimensions:     cfg.EmbeddingDimensions,
	})
	if err != nil {
		closeQuiet(closers)
		return nil, nil, fmt.Errorf("agent: embedder: %w", err)
	}

	mem := memory.New(vs, gs, embedder, client, memory.Options{
		UserID:              cfg.UserID,
		BatchSize:           cfg.BatchSize,
		ImportanceThreshold: cfg.ImportanceThreshold,
		L2Threshold:         &cfg.L2Threshold,
		RetrievalLimit:      cfg.RetrievalLimit,
		Logger:              logger,
	})
	mem.SetRecaller(retrieval.New(gs, embedder, retrieval.Weights{
		Vector:  cfg.RetrievalWeights.Vector,
		Keyword: cfg.RetrievalWeights.Keyword,
		Graph:   cfg.RetrievalWeights.Graph,
	}, logger))
	return mem, closers, nil
}

// Memory exposes the underlying pipeline for the HTTP surface and CLI.
func (a *Agent) Memory() *memory.FractalMemory { return a.mem }

// Bank exposes the strategy bank.
func (a *Agent) Bank() *reasoning.Bank { return a.bank }

// Chat runs one exchange: classify, recall, complete, learn, remember.
// Storage failures degrade the response rather than failing it; only
// invalid input is an error.
func (a *Agent) Chat(ctx context.Context, sessionID, message string) (Response, error) {
	if strings.TrimSpace(message) == "" {
		return Response{}, memtypes.Validation("message", "must not be empty")
	}
	if sessionID == "" {
		sessionID = "default"
	}
	start := time.Now()

	taskType := ClassifyTask(message)
	resp := Response{TaskType: taskType, StrategiesUsed: []string{}}

	var strategy *memtypes.Strategy
	if a.bank != nil {
		if strategy = a.bank.Select(taskType); strategy != nil {
			resp.StrategiesUsed = append(resp.StrategiesUsed, strategy.Description)
		}
	}

	prompt, contextCount, degraded := a.composePrompt(ctx, message, strategy)
	resp.ContextCount = contextCount
	resp.Degraded = degraded

	text, llmErr := a.complete(ctx, prompt)
	if llmErr != nil {
		a.logger.Warn("completion failed, using fallback",
			zap.String("task_type", taskType), zap.Error(llmErr))
		text = fallbackResponse
		resp.Degraded = true
	}
	resp.Text = text

	a.learn(ctx, taskType, message, text, strategy, llmErr == nil)
	a.rememberExchange(ctx, sessionID, message, text)

	resp.ProcessingTimeMS = float64(time.Since(start).Microseconds()) / 1000
	return resp, nil
}

func (a *Agent) complete(ctx context.Context, prompt string) (string, error) {
	if a.client == nil {
		return "", fmt.Errorf("no llm client configured")
	}
	text, err := a.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return text, nil
}

const systemPrompt = "You are a helpful assistant with long-term memory. " +
	"Use the provided memory context when it is relevant, and answer plainly."

// composePrompt assembles recent turns, session summaries, and graph
// recall into a single prompt. It reports how many memory items went
// into the prompt and whether graph recall ran degraded or failed.
func (a *Agent) composePrompt(ctx context.Context, message string, strategy *memtypes.Strategy) (string, int, bool) {
	var b strings.Builder
	degraded := false
	contextCount := 0

	turns, err := a.mem.Volatile().RecentTurns(ctx, recentTurnWindow)
	if err != nil {
		a.logger.Warn("recent turns unavailable", zap.Error(err))
	}
	if len(turns) > 0 {
		b.WriteString("Recent conversation (newest first):\n")
		for _, t := range turns {
			b.WriteString(t.Role)
			b.WriteString(": ")
			b.WriteString(t.Content)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
		contextCount += len(turns)
	}

	summaries, err := a.mem.Volatile().RecentSummaries(ctx, summaryWindow)
	if err != nil {
		a.logger.Warn("session summaries unavailable", zap.Error(err))
	}
	if len(summaries) > 0 {
		b.WriteString("Earlier session summaries:\n")
		for _, s := range summaries {
			b.WriteString("- ")
			b.WriteString(s.Summary)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
		contextCount += len(summaries)
	}

	limit := a.retrievalLimit
	if limit <= 0 {
		limit = 5
	}
	if countLocalHits(turns, message) >= localHitThreshold {
		limit = 2
	}
	recall, err := a.mem.Recall(ctx, message, limit)
	if err != nil {
		a.logger.Warn("graph recall unavailable", zap.Error(err))
		degraded = true
	} else {
		degraded = recall.Degraded
		// L0/L1 hits are already in the sections above; only graph-tier
		// memories add new material here.
		var longTerm []string
		for _, r := range recall.Results {
			if r.Episode.Level >= memtypes.LevelL2 {
				longTerm = append(longTerm, r.Episode.Content)
			}
		}
		contextCount += len(longTerm)
		if len(longTerm) > 0 {
			b.WriteString("Long-term memory:\n")
			for _, content := range longTerm {
				b.WriteString("- ")
				b.WriteString(content)
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
	}

	if strategy != nil {
		b.WriteString("Approach that worked before: ")
		b.WriteString(strategy.Description)
		b.WriteString("\n\n")
	}

	b.WriteString("User: ")
	b.WriteString(message)
	return b.String(), contextCount, degraded
}

// learn records the exchange as an experience and feeds the outcome back
// into the applied strategy.
func (a *Agent) learn(ctx context.Context, taskType, message, response string, strategy *memtypes.Strategy, completed bool) {
	if a.bank == nil {
		return
	}
	success := completed && JudgeOutcome(response)
	outcome := "failure"
	if success {
		outcome = "success"
	}
	exp := memtypes.Experience{
		TaskType:  taskType,
		Actions:   []string{message},
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
	if strategy != nil {
		exp.StrategyID = strategy.ID
	}
	if err := a.bank.Record(ctx, exp); err != nil {
		a.logger.Warn("experience record failed", zap.Error(err))
	}
	if strategy != nil {
		if err := a.bank.RecordOutcome(ctx, strategy.ID, success); err != nil {
			a.logger.Warn("strategy outcome record failed",
				zap.String("strategy_id", strategy.ID), zap.Error(err))
		}
	}
}

// rememberExchange writes both sides of the exchange to L0. The user turn
// carries heuristic importance; the reply gets a neutral score so it
// never outranks what the user actually said. Failed writes land in the
// bounded replay queue and are retried on the next exchange instead of
// failing the chat.
func (a *Agent) rememberExchange(ctx context.Context, sessionID, message, response string) {
	a.flushReplay(ctx)
	a.rememberTurn(ctx, memtypes.Turn{
		Role:       "user",
		Content:    message,
		SessionID:  sessionID,
		Importance: ScoreImportance(message),
	})
	a.rememberTurn(ctx, memtypes.Turn{
		Role:       "assistant",
		Content:    response,
		SessionID:  sessionID,
		Importance: 0.5,
	})
}

func (a *Agent) rememberTurn(ctx context.Context, turn memtypes.Turn) {
	if _, err := a.mem.Remember(ctx, turn); err != nil {
		a.logger.Warn("turn write failed, queued for replay",
			zap.String("role", turn.Role), zap.Error(err))
		a.enqueueReplay(turn)
	}
}

func (a *Agent) enqueueReplay(turn memtypes.Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	a.replayMu.Lock()
	a.replay = append(a.replay, turn)
	if len(a.replay) > replayCap {
		a.replay = a.replay[len(a.replay)-replayCap:]
	}
	a.replayMu.Unlock()
}

// flushReplay retries queued turns. Whatever still fails goes back on
// the queue in order.
func (a *Agent) flushReplay(ctx context.Context) {
	a.replayMu.Lock()
	pending := a.replay
	a.replay = nil
	a.replayMu.Unlock()
	if len(pending) == 0 {
		return
	}

	replayed := 0
	for i, turn := range pending {
		if _, err := a.mem.Remember(ctx, turn); err != nil {
			requeued := append([]memtypes.Turn{}, pending[i:]...)
			a.replayMu.Lock()
			a.replay = append(requeued, a.replay...)
			if len(a.replay) > replayCap {
				a.replay = a.replay[len(a.replay)-replayCap:]
			}
			a.replayMu.Unlock()
			break
		}
		replayed++
	}
	if replayed > 0 {
		a.logger.Info("replayed queued turns", zap.Int("count", replayed))
	}
}

// Close releases components the agent built itself. Injected components
// stay open.
func (a *Agent) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func (a *Agent) closeAll() { _ = a.Close() }

func closeQuiet(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func countLocalHits(turns []memtypes.Turn, message string) int {
	tokens := queryTokens(message)
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, t := range turns {
		content := strings.ToLower(t.Content)
		for _, tok := range tokens {
			if strings.Contains(content, tok) {
				hits++
				break
			}
		}
	}
	return hits
}

func queryTokens(s string) []string {
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()")
		if len(tok) > 3 {
			out = append(out, tok)
		}
	}
	return out
}
