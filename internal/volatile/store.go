// Package volatile implements the L0/L1 memory tiers over Redis: the
// per-user capped stream of raw turns, session summary hashes with TTL,
// the consolidated-turn set, and the distributed consolidation lock.
package volatile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fractalmem/internal/memtypes"
)

const (
	lockTTL           = 60 * time.Second
	consolidatedTTL   = 7 * 24 * time.Hour
	summaryListLength = 50
)

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store is the Redis-backed volatile tier for one user.
type Store struct {
	client redis.UniversalClient
	userID string
	// l0Capacity caps the raw turn stream (XADD MAXLEN, approximate).
	l0Capacity int64
	l1TTL      time.Duration
	logger     *zap.Logger
}

// Options configures a Store.
type Options struct {
	L0Capacity int
	L1TTL      time.Duration
	Logger     *zap.Logger
}

// New builds a Store from a redis URL (redis://host:port/db).
func New(url, userID string, opts Options) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse volatile url: %w", err)
	}
	return NewWithClient(redis.NewClient(redisOpts), userID, opts), nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client redis.UniversalClient, userID string, opts Options) *Store {
	if opts.L0Capacity <= 0 {
		opts.L0Capacity = 500
	}
	if opts.L1TTL <= 0 {
		opts.L1TTL = 30 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		client:     client,
		userID:     userID,
		l0Capacity: int64(opts.L0Capacity),
		l1TTL:      opts.L1TTL,
		logger:     opts.Logger.Named("volatile"),
	}
}

// Key shapes. All volatile state for a user lives under memory:{user}:*.
func (s *Store) l0Key() string { return fmt.Sprintf("memory:%s:l0", s.userID) }
func (s *Store) l1Key(session string) string {
	return fmt.Sprintf("memory:%s:l1:%s", s.userID, session)
}
func (s *Store) summariesKey() string { return fmt.Sprintf("memory:%s:l1:summaries", s.userID) }
func (s *Store) consolidatedKey() string {
	return fmt.Sprintf("memory:%s:consolidated_set", s.userID)
}
func (s *Store) lockKey() string { return fmt.Sprintf("memory:%s:consolidation_lock", s.userID) }

// wrap converts backend failures to the retryable taxonomy.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, memtypes.ErrStoreUnavailable)
}

// =============================================================================
// L0: RAW TURNS
// =============================================================================

// AppendTurn appends a turn to the L0 stream and returns the assigned
// stream ID. The stream is trimmed to capacity approximately, so the
// oldest turns fall off as new ones arrive.
func (s *Store) AppendTurn(ctx context.Context, turn memtypes.Turn) (string, error) {
	if turn.Role != "user" && turn.Role != "assistant" {
		return "", memtypes.Validation("role", "must be user or assistant")
	}
	if strings.TrimSpace(turn.Content) == "" {
		return "", memtypes.Validation("content", "must not be empty")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.l0Key(),
		MaxLen: s.l0Capacity,
		Approx: true,
		Values: map[string]interface{}{
			"role":       turn.Role,
			"content":    turn.Content,
			"session_id": turn.SessionID,
			"importance": strconv.FormatFloat(turn.Importance, 'f', -1, 64),
			"timestamp":  ts.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", wrap("xadd l0", err)
	}
	return id, nil
}

// RecentTurns returns up to n most recent turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, n int) ([]memtypes.Turn, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.l0Key(), "+", "-", int64(n)).Result()
	if err != nil {
		return nil, wrap("xrevrange l0", err)
	}
	turns := make([]memtypes.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, turnFromStream(m))
	}
	return turns, nil
}

// AllTurns returns the full L0 stream, oldest first.
func (s *Store) AllTurns(ctx context.Context) ([]memtypes.Turn, error) {
	msgs, err := s.client.XRange(ctx, s.l0Key(), "-", "+").Result()
	if err != nil {
		return nil, wrap("xrange l0", err)
	}
	turns := make([]memtypes.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, turnFromStream(m))
	}
	return turns, nil
}

// UnconsolidatedTurns returns turns not yet marked consolidated, oldest
// first.
func (s *Store) UnconsolidatedTurns(ctx context.Context) ([]memtypes.Turn, error) {
	all, err := s.AllTurns(ctx)
	if err != nil {
		return nil, err
	}
	done, err := s.client.SMembers(ctx, s.consolidatedKey()).Result()
	if err != nil {
		return nil, wrap("smembers consolidated", err)
	}
	seen := make(map[string]bool, len(done))
	for _, id := range done {
		seen[id] = true
	}
	pending := all[:0]
	for _, t := range all {
		if !seen[t.ID] {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

func turnFromStream(m redis.XMessage) memtypes.Turn {
	t := memtypes.Turn{ID: m.ID}
	if v, ok := m.Values["role"].(string); ok {
		t.Role = v
	}
	if v, ok := m.Values["content"].(string); ok {
		t.Content = v
	}
	if v, ok := m.Values["session_id"].(string); ok {
		t.SessionID = v
	}
	if v, ok := m.Values["importance"].(string); ok {
		t.Importance, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m.Values["timestamp"].(string); ok {
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

// MarkConsolidated records turn IDs as consolidated. The set carries a
// 7-day TTL so it cannot outgrow the stream it shadows.
func (s *Store) MarkConsolidated(ctx context.Context, turnIDs []string) error {
	if len(turnIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(turnIDs))
	for i, id := range turnIDs {
		members[i] = id
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.consolidatedKey(), members...)
	pipe.Expire(ctx, s.consolidatedKey(), consolidatedTTL)
	_, err := pipe.Exec(ctx)
	return wrap("sadd consolidated", err)
}

// IsConsolidated reports whether a turn or summary marker was recorded.
func (s *Store) IsConsolidated(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.consolidatedKey(), id).Result()
	if err != nil {
		return false, wrap("sismember consolidated", err)
	}
	return ok, nil
}

// =============================================================================
// L1: SESSION SUMMARIES
// =============================================================================

// PutSummary stores a session summary hash with the configured TTL and
// pushes the session onto the recent-summaries list (trimmed to 50).
func (s *Store) PutSummary(ctx context.Context, sum memtypes.SessionSummary) error {
	if sum.SessionID == "" {
		return memtypes.Validation("session_id", "must not be empty")
	}
	created := sum.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	key := s.l1Key(sum.SessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"session_id": sum.SessionID,
		"summary":    sum.Summary,
		"key_facts":  strings.Join(sum.KeyFacts, "\n"),
		"importance": strconv.FormatFloat(sum.Importance, 'f', -1, 64),
		"turn_count": strconv.Itoa(sum.TurnCount),
		"created_at": created.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, s.l1TTL)
	pipe.LPush(ctx, s.summariesKey(), sum.SessionID)
	pipe.LTrim(ctx, s.summariesKey(), 0, summaryListLength-1)
	_, err := pipe.Exec(ctx)
	return wrap("hset l1", err)
}

// GetSummary fetches one session summary. Missing or expired sessions
// return ErrNotFound.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (memtypes.SessionSummary, error) {
	fields, err := s.client.HGetAll(ctx, s.l1Key(sessionID)).Result()
	if err != nil {
		return memtypes.SessionSummary{}, wrap("hgetall l1", err)
	}
	if len(fields) == 0 {
		return memtypes.SessionSummary{}, memtypes.ErrNotFound
	}
	return summaryFromHash(fields), nil
}

// RecentSummaries returns up to n summaries, most recent first. Sessions
// whose hash expired are skipped.
func (s *Store) RecentSummaries(ctx context.Context, n int) ([]memtypes.SessionSummary, error) {
	ids, err := s.client.LRange(ctx, s.summariesKey(), 0, int64(n)-1).Result()
	if err != nil {
		return nil, wrap("lrange summaries", err)
	}
	out := make([]memtypes.SessionSummary, 0, len(ids))
	for _, id := range ids {
		sum, err := s.GetSummary(ctx, id)
		if errors.Is(err, memtypes.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func summaryFromHash(fields map[string]string) memtypes.SessionSummary {
	sum := memtypes.SessionSummary{
		SessionID: fields["session_id"],
		Summary:   fields["summary"],
	}
	if kf := fields["key_facts"]; kf != "" {
		sum.KeyFacts = strings.Split(kf, "\n")
	}
	sum.Importance, _ = strconv.ParseFloat(fields["importance"], 64)
	sum.TurnCount, _ = strconv.Atoi(fields["turn_count"])
	sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	return sum
}

// =============================================================================
// DISTRIBUTED LOCK
// =============================================================================

// AcquireLock takes the per-user consolidation lock. It returns a release
// token, or ErrLockHeld when another holder is active.
func (s *Store) AcquireLock(ctx context.Context) (string, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.lockKey(), token, lockTTL).Result()
	if err != nil {
		return "", wrap("setnx lock", err)
	}
	if !ok {
		return "", memtypes.ErrLockHeld
	}
	return token, nil
}

// ReleaseLock releases the lock if the token still owns it. Releasing an
// expired or stolen lock is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, token string) error {
	err := releaseScript.Run(ctx, s.client, []string{s.lockKey()}, token).Err()
	return wrap("release lock", err)
}

// =============================================================================
// SEARCH AND STATS
// =============================================================================

// scored pairs a hit with its importance for the final sort.
type scored struct {
	content    string
	importance float64
}

// SearchSubstring scans L0 turns and L1 summaries for a case-insensitive
// substring match and returns up to limit contents sorted by importance
// descending. This is the recall fallback when no retriever is wired.
func (s *Store) SearchSubstring(ctx context.Context, query string, limit int) ([]string, error) {
	needle := strings.ToLower(query)
	var hits []scored

	turns, err := s.AllTurns(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		if strings.Contains(strings.ToLower(t.Content), needle) {
			hits = append(hits, scored{t.Content, t.Importance})
		}
	}

	sums, err := s.RecentSummaries(ctx, summaryListLength)
	if err != nil {
		return nil, err
	}
	for _, sum := range sums {
		if strings.Contains(strings.ToLower(sum.Summary), needle) {
			hits = append(hits, scored{sum.Summary, sum.Importance})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].importance > hits[j].importance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.content
	}
	return out, nil
}

// Stats returns L0 stream length and live L1 session count.
func (s *Store) Stats(ctx context.Context) (l0 int64, l1 int64, err error) {
	l0, err = s.client.XLen(ctx, s.l0Key()).Result()
	if err != nil {
		return 0, 0, wrap("xlen l0", err)
	}
	pattern := fmt.Sprintf("memory:%s:l1:*", s.userID)
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if iter.Val() != s.summariesKey() {
			l1++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, 0, wrap("scan l1", err)
	}
	return l0, l1, nil
}

// Reset deletes every volatile key for the user. Used by the CLI reset
// command and tests only.
func (s *Store) Reset(ctx context.Context) error {
	pattern := fmt.Sprintf("memory:%s:*", s.userID)
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return wrap("scan reset", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return wrap("del reset", s.client.Del(ctx, keys...).Err())
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.client.Ping(ctx).Err())
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
