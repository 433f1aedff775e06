package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"fractalmem/internal/memtypes"
)

// SQLiteStore is the embedded graph adapter. Vector search runs cosine
// similarity in Go over candidate embeddings; keyword search is
// token-based LIKE matching. Suitable for single-node deployments and
// tests; the Neo4j adapter carries the same semantics at scale.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	userID string
	dims   int
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the store at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path, userID string, dims int, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection so every pooled query sees the same database when
	// path is ":memory:" (each sqlite connection gets its own in-memory DB).
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, userID: userID, dims: dims, logger: logger.Named("sqlitestore")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT,
		content TEXT NOT NULL,
		source TEXT,
		source_description TEXT,
		scale TEXT,
		embedding TEXT,
		importance_score REAL NOT NULL DEFAULT 0.5,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_accessed TEXT NOT NULL,
		level INTEGER NOT NULL DEFAULT 2,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		outcome TEXT,
		content_hash TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_user ON episodes(user_id, deleted);
	CREATE INDEX IF NOT EXISTS idx_episodes_hash ON episodes(user_id, content_hash);
	CREATE INDEX IF NOT EXISTS idx_episodes_source ON episodes(user_id, source);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		summary TEXT,
		embedding TEXT,
		importance_score REAL NOT NULL DEFAULT 0.5,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_accessed TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(user_id, name);

	CREATE TABLE IF NOT EXISTS communities (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT,
		summary TEXT,
		level INTEGER NOT NULL DEFAULT 3,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS edges (
		src TEXT NOT NULL,
		dst TEXT NOT NULL,
		rel TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (src, dst, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_dst ON edges(dst, rel);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func sqliteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, memtypes.ErrStoreUnavailable)
}

func marshalVec(v []float32) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalVec(s string) []float32 {
	if s == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// =============================================================================
// WRITES
// =============================================================================

func (s *SQLiteStore) UpsertEpisode(ctx context.Context, ep *memtypes.Episode) error {
	if err := validateEpisode(ep, s.dims); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}
	if ep.LastAccessed.IsZero() {
		ep.LastAccessed = now
	}
	emb, err := marshalVec(ep.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	meta := "{}"
	if len(ep.Metadata) > 0 {
		b, err := json.Marshal(ep.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}
	var deletedAt interface{}
	if !ep.DeletedAt.IsZero() {
		deletedAt = ep.DeletedAt.Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes
			(id, user_id, name, content, source, source_description, scale,
			 embedding, importance_score, access_count, created_at,
			 last_accessed, level, deleted, deleted_at, outcome,
			 content_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			content = excluded.content,
			source = excluded.source,
			source_description = excluded.source_description,
			scale = excluded.scale,
			embedding = excluded.embedding,
			importance_score = excluded.importance_score,
			last_accessed = excluded.last_accessed,
			level = excluded.level,
			deleted = excluded.deleted,
			deleted_at = excluded.deleted_at,
			outcome = excluded.outcome,
			content_hash = excluded.content_hash,
			metadata = excluded.metadata`,
		ep.ID, ep.UserID, ep.Name, ep.Content, ep.Source, ep.SourceDescription,
		ep.Scale, emb, ep.ImportanceScore, ep.AccessCount,
		ep.CreatedAt.Format(time.RFC3339Nano), ep.LastAccessed.Format(time.RFC3339Nano),
		int(ep.Level), boolToInt(ep.Deleted), deletedAt, ep.Outcome,
		memtypes.ContentHash(ep.Content), meta)
	return sqliteErr("upsert episode", err)
}

func (s *SQLiteStore) UpsertEntity(ctx context.Context, en *memtypes.Entity) error {
	if en.ID == "" || en.Name == "" {
		return memtypes.Validation("entity", "id and name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if en.CreatedAt.IsZero() {
		en.CreatedAt = now
	}
	if en.LastAccessed.IsZero() {
		en.LastAccessed = now
	}
	emb, err := marshalVec(en.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities
			(id, user_id, name, summary, embedding, importance_score,
			 access_count, created_at, last_accessed, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			summary = excluded.summary,
			embedding = excluded.embedding,
			importance_score = excluded.importance_score,
			last_accessed = excluded.last_accessed`,
		en.ID, en.UserID, en.Name, en.Summary, emb, en.ImportanceScore,
		en.AccessCount, en.CreatedAt.Format(time.RFC3339Nano),
		en.LastAccessed.Format(time.RFC3339Nano))
	return sqliteErr("upsert entity", err)
}

func (s *SQLiteStore) UpsertCommunity(ctx context.Context, c *memtypes.Community) error {
	if c.ID == "" {
		return memtypes.Validation("community", "id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO communities (id, user_id, name, summary, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			summary = excluded.summary`,
		c.ID, c.UserID, c.Name, c.Summary, int(c.Level),
		c.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return sqliteErr("upsert community", err)
	}
	for _, member := range c.MemberIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO edges (src, dst, rel, user_id) VALUES (?, ?, ?, ?)`,
			c.ID, member, RelHasMember, c.UserID); err != nil {
			return sqliteErr("add member edge", err)
		}
	}
	return nil
}

func (s *SQLiteStore) addEdge(ctx context.Context, src, dst, rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO edges (src, dst, rel, user_id) VALUES (?, ?, ?, ?)`,
		src, dst, rel, s.userID)
	return sqliteErr("add edge", err)
}

func (s *SQLiteStore) LinkMention(ctx context.Context, episodeID, entityID string) error {
	return s.addEdge(ctx, episodeID, entityID, RelMentions)
}

func (s *SQLiteStore) RelateEntities(ctx context.Context, aID, bID string) error {
	return s.addEdge(ctx, aID, bID, RelRelatesTo)
}

func (s *SQLiteStore) AddMember(ctx context.Context, communityID, memberID string) error {
	return s.addEdge(ctx, communityID, memberID, RelHasMember)
}

func (s *SQLiteStore) LinkApplied(ctx context.Context, strategyID, experienceID string) error {
	return s.addEdge(ctx, strategyID, experienceID, RelAppliedIn)
}

// =============================================================================
// READS
// =============================================================================

const episodeCols = `id, user_id, name, content, source, source_description,
	scale, embedding, importance_score, access_count, created_at,
	last_accessed, level, deleted, deleted_at, outcome, metadata`

func scanEpisode(row interface{ Scan(...interface{}) error }) (memtypes.Episode, error) {
	var ep memtypes.Episode
	var emb, meta, createdAt, lastAccessed string
	var deletedAt, outcome, name, source, sourceDesc, scale sql.NullString
	var level, deleted int
	err := row.Scan(&ep.ID, &ep.UserID, &name, &ep.Content, &source, &sourceDesc,
		&scale, &emb, &ep.ImportanceScore, &ep.AccessCount, &createdAt,
		&lastAccessed, &level, &deleted, &deletedAt, &outcome, &meta)
	if err != nil {
		return ep, err
	}
	ep.Name = name.String
	ep.Source = source.String
	ep.SourceDescription = sourceDesc.String
	ep.Scale = scale.String
	ep.Outcome = outcome.String
	ep.Embedding = unmarshalVec(emb)
	ep.Level = memtypes.Level(level)
	ep.Deleted = deleted != 0
	ep.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	ep.LastAccessed, _ = time.Parse(time.RFC3339Nano, lastAccessed)
	if deletedAt.Valid {
		ep.DeletedAt, _ = time.Parse(time.RFC3339Nano, deletedAt.String)
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &ep.Metadata)
	}
	return ep, nil
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, id string) (memtypes.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeCols+` FROM episodes WHERE id = ? AND user_id = ? AND deleted = 0`,
		id, s.userID)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memtypes.Episode{}, memtypes.ErrNotFound
	}
	if err != nil {
		return memtypes.Episode{}, sqliteErr("get episode", err)
	}
	return ep, nil
}

func (s *SQLiteStore) queryEpisodes(ctx context.Context, where string, args ...interface{}) ([]memtypes.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeCols+` FROM episodes WHERE user_id = ? AND deleted = 0 `+where,
		append([]interface{}{s.userID}, args...)...)
	if err != nil {
		return nil, sqliteErr("query episodes", err)
	}
	defer rows.Close()

	var eps []memtypes.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable episode row", zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	return eps, sqliteErr("scan episodes", rows.Err())
}

func (s *SQLiteStore) ListEpisodes(ctx context.Context, level memtypes.Level, limit int) ([]memtypes.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEpisodes(ctx,
		`AND level = ? ORDER BY importance_score DESC LIMIT ?`, int(level), limit)
}

func (s *SQLiteStore) ListBySource(ctx context.Context, source string, limit int) ([]memtypes.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEpisodes(ctx,
		`AND source = ? ORDER BY created_at DESC LIMIT ?`, source, limit)
}

func (s *SQLiteStore) ListCommunities(ctx context.Context, limit int) ([]memtypes.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, summary, level, created_at
		 FROM communities WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		s.userID, limit)
	if err != nil {
		return nil, sqliteErr("query communities", err)
	}
	defer rows.Close()

	var out []memtypes.Community
	for rows.Next() {
		var c memtypes.Community
		var level int
		var createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Summary, &level, &createdAt); err != nil {
			continue
		}
		c.Level = memtypes.Level(level)
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("scan communities", err)
	}
	// Drain and close the communities cursor before querying members:
	// a nested query would need a second pooled connection, which for a
	// ":memory:" DSN is a separate empty database.
	rows.Close()
	for i := range out {
		members, err := s.memberIDs(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].MemberIDs = members
	}
	return out, nil
}

func (s *SQLiteStore) memberIDs(ctx context.Context, communityID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dst FROM edges WHERE src = ? AND rel = ?`, communityID, RelHasMember)
	if err != nil {
		return nil, sqliteErr("query members", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// =============================================================================
// RETRIEVAL ARMS
// =============================================================================

// SearchVector ranks non-deleted embedded episodes by cosine similarity.
func (s *SQLiteStore) SearchVector(ctx context.Context, embedding []float32, k int) ([]memtypes.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eps, err := s.queryEpisodes(ctx, `AND embedding != ''`)
	if err != nil {
		return nil, err
	}
	type scoredEp struct {
		ep    memtypes.Episode
		score float64
	}
	scored := make([]scoredEp, 0, len(eps))
	for _, ep := range eps {
		if sim := CosineSimilarity(embedding, ep.Embedding); sim > 0 {
			scored = append(scored, scoredEp{ep, sim})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > k {
		scored = scored[:k]
	}
	out := make([]memtypes.Episode, len(scored))
	for i, sc := range scored {
		out[i] = sc.ep
	}
	return out, nil
}

// SearchKeyword tokenises the query and ranks episodes by matched-token
// count, ties broken by importance.
func (s *SQLiteStore) SearchKeyword(ctx context.Context, query string, k int) ([]memtypes.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	clauses := make([]string, len(tokens))
	args := make([]interface{}, 0, len(tokens)*2)
	for i, tok := range tokens {
		clauses[i] = `(LOWER(content) LIKE ? OR LOWER(name) LIKE ?)`
		pat := "%" + tok + "%"
		args = append(args, pat, pat)
	}
	eps, err := s.queryEpisodes(ctx, `AND (`+strings.Join(clauses, " OR ")+`)`, args...)
	if err != nil {
		return nil, err
	}
	type hit struct {
		ep      memtypes.Episode
		matches int
	}
	hits := make([]hit, 0, len(eps))
	for _, ep := range eps {
		text := strings.ToLower(ep.Content + " " + ep.Name)
		n := 0
		for _, tok := range tokens {
			if strings.Contains(text, tok) {
				n++
			}
		}
		hits = append(hits, hit{ep, n})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].matches != hits[j].matches {
			return hits[i].matches > hits[j].matches
		}
		return hits[i].ep.ImportanceScore > hits[j].ep.ImportanceScore
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]memtypes.Episode, len(hits))
	for i, h := range hits {
		out[i] = h.ep
	}
	return out, nil
}

// SearchGraph expands the named entities one RELATES_TO hop and returns
// episodes that mention any of them, ranked by importance.
func (s *SQLiteStore) SearchGraph(ctx context.Context, entityNames []string, k int) ([]memtypes.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(entityNames) == 0 {
		return nil, nil
	}
	entityIDs := map[string]bool{}
	for _, name := range entityNames {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM entities WHERE user_id = ? AND deleted = 0 AND LOWER(name) = ?`,
			s.userID, strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, sqliteErr("match entities", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				entityIDs[id] = true
			}
		}
		rows.Close()
	}
	if len(entityIDs) == 0 {
		return nil, nil
	}

	// One-hop expansion in both edge directions.
	seeds := keys(entityIDs)
	for _, id := range seeds {
		rows, err := s.db.QueryContext(ctx,
			`SELECT src, dst FROM edges WHERE rel = ? AND (src = ? OR dst = ?)`,
			RelRelatesTo, id, id)
		if err != nil {
			return nil, sqliteErr("expand entities", err)
		}
		for rows.Next() {
			var src, dst string
			if err := rows.Scan(&src, &dst); err == nil {
				entityIDs[src] = true
				entityIDs[dst] = true
			}
		}
		rows.Close()
	}

	episodeIDs := map[string]bool{}
	for id := range entityIDs {
		rows, err := s.db.QueryContext(ctx,
			`SELECT src FROM edges WHERE rel = ? AND dst = ?`, RelMentions, id)
		if err != nil {
			return nil, sqliteErr("mention edges", err)
		}
		for rows.Next() {
			var src string
			if err := rows.Scan(&src); err == nil {
				episodeIDs[src] = true
			}
		}
		rows.Close()
	}
	if len(episodeIDs) == 0 {
		return nil, nil
	}

	ids := keys(episodeIDs)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, k)
	return s.queryEpisodes(ctx,
		`AND id IN (`+placeholders+`) ORDER BY importance_score DESC LIMIT ?`, args...)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// queryTokens lowercases and keeps tokens longer than 2 characters.
func queryTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (s *SQLiteStore) ExistsDuplicate(ctx context.Context, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes WHERE user_id = ? AND deleted = 0 AND content_hash = ?`,
		s.userID, contentHash).Scan(&n)
	if err != nil {
		return false, sqliteErr("exists duplicate", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) TouchAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE episodes SET access_count = access_count + 1, last_accessed = ?
			 WHERE id = ? AND user_id = ?`, now, id, s.userID); err != nil {
			return sqliteErr("touch access", err)
		}
	}
	return nil
}

func (s *SQLiteStore) UpdateImportance(ctx context.Context, id string, score float64) error {
	if score < 0 || score > 1 {
		return &memtypes.IntegrityError{NodeID: id, Msg: "importance_score out of [0,1]"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET importance_score = ? WHERE id = ? AND user_id = ?`,
		score, id, s.userID)
	return sqliteErr("update importance", err)
}

func (s *SQLiteStore) SoftDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE episodes SET deleted = 1, deleted_at = ? WHERE id = ? AND user_id = ?`,
			now, id, s.userID); err != nil {
			return sqliteErr("soft delete", err)
		}
	}
	return nil
}

func (s *SQLiteStore) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM episodes WHERE user_id = ? AND deleted = 1 AND deleted_at < ?`,
		s.userID, cutoff)
	if err != nil {
		return 0, sqliteErr("purge deleted", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// OPERATIONAL
// =============================================================================

func (s *SQLiteStore) CountByLevel(ctx context.Context) (memtypes.TierStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats memtypes.TierStats
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, COUNT(*) FROM episodes WHERE user_id = ? AND deleted = 0 GROUP BY level`,
		s.userID)
	if err != nil {
		return stats, sqliteErr("count by level", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level int
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			continue
		}
		switch memtypes.Level(level) {
		case memtypes.LevelL2:
			stats.L2Count += n
		case memtypes.LevelL3:
			stats.L3Count += n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, sqliteErr("count by level", err)
	}
	// Communities count toward L3 alongside abstraction episodes.
	var communities int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM communities WHERE user_id = ?`, s.userID).Scan(&communities); err != nil {
		return stats, sqliteErr("count communities", err)
	}
	stats.L3Count += communities
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes WHERE user_id = ? AND deleted = 1`, s.userID).Scan(&stats.Deleted); err != nil {
		return stats, sqliteErr("count deleted", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range []string{"episodes", "entities", "communities", "edges"} {
		if _, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE user_id = ?`, table), s.userID); err != nil {
			return sqliteErr("reset "+table, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return sqliteErr("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
