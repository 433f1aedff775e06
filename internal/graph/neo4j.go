package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"fractalmem/internal/memtypes"
)

// Neo4jStore is the production graph adapter. Episodes, entities and
// communities are labelled nodes; reserved attributes map one-to-one to
// node properties, with Metadata flattened under a meta_ prefix.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	userID string
	dims   int
	logger *zap.Logger
}

// NewNeo4jStore connects to the graph at uri with basic auth.
func NewNeo4jStore(ctx context.Context, uri, username, password, userID string, dims int, logger *zap.Logger) (*Neo4jStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	s := &Neo4jStore{driver: driver, userID: userID, dims: dims, logger: logger.Named("neo4jstore")}
	if err := s.Ping(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	if err := s.ensureIndexes(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func neo4jErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, memtypes.ErrStoreUnavailable)
}

func (s *Neo4jStore) run(ctx context.Context, cypher string, params map[string]interface{}) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

func (s *Neo4jStore) ensureIndexes(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (e:Episodic) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE`,
		`CREATE CONSTRAINT community_id IF NOT EXISTS FOR (c:Community) REQUIRE c.id IS UNIQUE`,
		`CREATE FULLTEXT INDEX episode_content IF NOT EXISTS FOR (e:Episodic) ON EACH [e.content, e.name]`,
		fmt.Sprintf(`CREATE VECTOR INDEX episode_embedding IF NOT EXISTS
			FOR (e:Episodic) ON (e.embedding)
			OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`, s.dims),
	}
	for _, stmt := range stmts {
		if _, err := s.run(ctx, stmt, nil); err != nil {
			return neo4jErr("ensure indexes", err)
		}
	}
	return nil
}

// =============================================================================
// WRITES
// =============================================================================

func episodeProps(ep *memtypes.Episode) map[string]interface{} {
	now := time.Now().UTC()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}
	if ep.LastAccessed.IsZero() {
		ep.LastAccessed = now
	}
	emb := make([]float64, len(ep.Embedding))
	for i, v := range ep.Embedding {
		emb[i] = float64(v)
	}
	props := map[string]interface{}{
		"id":                 ep.ID,
		"user_id":            ep.UserID,
		"name":               ep.Name,
		"content":            ep.Content,
		"source":             ep.Source,
		"source_description": ep.SourceDescription,
		"scale":              ep.Scale,
		"embedding":          emb,
		"importance_score":   ep.ImportanceScore,
		"access_count":       ep.AccessCount,
		"created_at":         ep.CreatedAt.Format(time.RFC3339Nano),
		"last_accessed":      ep.LastAccessed.Format(time.RFC3339Nano),
		"level":              int64(ep.Level),
		"deleted":            ep.Deleted,
		"outcome":            ep.Outcome,
		"content_hash":       memtypes.ContentHash(ep.Content),
	}
	if !ep.DeletedAt.IsZero() {
		props["deleted_at"] = ep.DeletedAt.Format(time.RFC3339Nano)
	}
	for k, v := range ep.Metadata {
		props["meta_"+k] = v
	}
	return props
}

func (s *Neo4jStore) UpsertEpisode(ctx context.Context, ep *memtypes.Episode) error {
	if err := validateEpisode(ep, s.dims); err != nil {
		return err
	}
	_, err := s.run(ctx, `
		MERGE (e:Episodic {id: $id})
		SET e += $props`,
		map[string]interface{}{"id": ep.ID, "props": episodeProps(ep)})
	return neo4jErr("upsert episode", err)
}

func (s *Neo4jStore) UpsertEntity(ctx context.Context, en *memtypes.Entity) error {
	if en.ID == "" || en.Name == "" {
		return memtypes.Validation("entity", "id and name required")
	}
	now := time.Now().UTC()
	if en.CreatedAt.IsZero() {
		en.CreatedAt = now
	}
	if en.LastAccessed.IsZero() {
		en.LastAccessed = now
	}
	emb := make([]float64, len(en.Embedding))
	for i, v := range en.Embedding {
		emb[i] = float64(v)
	}
	_, err := s.run(ctx, `
		MERGE (n:Entity {id: $id})
		SET n.user_id = $user_id, n.name = $name, n.summary = $summary,
		    n.embedding = $embedding, n.importance_score = $importance,
		    n.access_count = $access_count, n.created_at = $created_at,
		    n.last_accessed = $last_accessed, n.deleted = false`,
		map[string]interface{}{
			"id": en.ID, "user_id": en.UserID, "name": en.Name,
			"summary": en.Summary, "embedding": emb,
			"importance": en.ImportanceScore, "access_count": en.AccessCount,
			"created_at":    en.CreatedAt.Format(time.RFC3339Nano),
			"last_accessed": en.LastAccessed.Format(time.RFC3339Nano),
		})
	return neo4jErr("upsert entity", err)
}

func (s *Neo4jStore) UpsertCommunity(ctx context.Context, c *memtypes.Community) error {
	if c.ID == "" {
		return memtypes.Validation("community", "id required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.run(ctx, `
		MERGE (c:Community {id: $id})
		SET c.user_id = $user_id, c.name = $name, c.summary = $summary,
		    c.level = $level, c.created_at = $created_at
		WITH c
		UNWIND $members AS member_id
		MATCH (m {id: member_id})
		MERGE (c)-[:HAS_MEMBER]->(m)`,
		map[string]interface{}{
			"id": c.ID, "user_id": c.UserID, "name": c.Name,
			"summary": c.Summary, "level": int64(c.Level),
			"created_at": c.CreatedAt.Format(time.RFC3339Nano),
			"members":    c.MemberIDs,
		})
	return neo4jErr("upsert community", err)
}

func (s *Neo4jStore) LinkMention(ctx context.Context, episodeID, entityID string) error {
	_, err := s.run(ctx, `
		MATCH (e:Episodic {id: $eid}), (n:Entity {id: $nid})
		MERGE (e)-[:MENTIONS]->(n)`,
		map[string]interface{}{"eid": episodeID, "nid": entityID})
	return neo4jErr("link mention", err)
}

func (s *Neo4jStore) RelateEntities(ctx context.Context, aID, bID string) error {
	_, err := s.run(ctx, `
		MATCH (a:Entity {id: $a}), (b:Entity {id: $b})
		MERGE (a)-[:RELATES_TO]->(b)`,
		map[string]interface{}{"a": aID, "b": bID})
	return neo4jErr("relate entities", err)
}

func (s *Neo4jStore) AddMember(ctx context.Context, communityID, memberID string) error {
	_, err := s.run(ctx, `
		MATCH (c:Community {id: $cid}), (m {id: $mid})
		MERGE (c)-[:HAS_MEMBER]->(m)`,
		map[string]interface{}{"cid": communityID, "mid": memberID})
	return neo4jErr("add member", err)
}

func (s *Neo4jStore) LinkApplied(ctx context.Context, strategyID, experienceID string) error {
	_, err := s.run(ctx, `
		MATCH (s:Episodic {id: $sid}), (e:Episodic {id: $eid})
		MERGE (s)-[:APPLIED_IN]->(e)`,
		map[string]interface{}{"sid": strategyID, "eid": experienceID})
	return neo4jErr("link applied", err)
}

// =============================================================================
// READS
// =============================================================================

func episodeFromNode(props map[string]interface{}) memtypes.Episode {
	ep := memtypes.Episode{}
	str := func(k string) string {
		v, _ := props[k].(string)
		return v
	}
	ep.ID = str("id")
	ep.UserID = str("user_id")
	ep.Name = str("name")
	ep.Content = str("content")
	ep.Source = str("source")
	ep.SourceDescription = str("source_description")
	ep.Scale = str("scale")
	ep.Outcome = str("outcome")
	if v, ok := props["importance_score"].(float64); ok {
		ep.ImportanceScore = v
	}
	if v, ok := props["access_count"].(int64); ok {
		ep.AccessCount = v
	}
	if v, ok := props["level"].(int64); ok {
		ep.Level = memtypes.Level(v)
	}
	if v, ok := props["deleted"].(bool); ok {
		ep.Deleted = v
	}
	ep.CreatedAt, _ = time.Parse(time.RFC3339Nano, str("created_at"))
	ep.LastAccessed, _ = time.Parse(time.RFC3339Nano, str("last_accessed"))
	if da := str("deleted_at"); da != "" {
		ep.DeletedAt, _ = time.Parse(time.RFC3339Nano, da)
	}
	if raw, ok := props["embedding"].([]interface{}); ok && len(raw) > 0 {
		emb := make([]float32, 0, len(raw))
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				emb = append(emb, float32(f))
			}
		}
		ep.Embedding = emb
	}
	for k, v := range props {
		if strings.HasPrefix(k, "meta_") {
			if ep.Metadata == nil {
				ep.Metadata = map[string]interface{}{}
			}
			ep.Metadata[strings.TrimPrefix(k, "meta_")] = v
		}
	}
	return ep
}

func episodesFromRecords(records []*neo4j.Record, key string) []memtypes.Episode {
	out := make([]memtypes.Episode, 0, len(records))
	for _, rec := range records {
		v, ok := rec.Get(key)
		if !ok {
			continue
		}
		node, ok := v.(neo4j.Node)
		if !ok {
			continue
		}
		out = append(out, episodeFromNode(node.Props))
	}
	return out
}

func (s *Neo4jStore) GetEpisode(ctx context.Context, id string) (memtypes.Episode, error) {
	records, err := s.run(ctx, `
		MATCH (e:Episodic {id: $id, user_id: $user}) WHERE e.deleted = false
		RETURN e`,
		map[string]interface{}{"id": id, "user": s.userID})
	if err != nil {
		return memtypes.Episode{}, neo4jErr("get episode", err)
	}
	eps := episodesFromRecords(records, "e")
	if len(eps) == 0 {
		return memtypes.Episode{}, memtypes.ErrNotFound
	}
	return eps[0], nil
}

func (s *Neo4jStore) ListEpisodes(ctx context.Context, level memtypes.Level, limit int) ([]memtypes.Episode, error) {
	records, err := s.run(ctx, `
		MATCH (e:Episodic {user_id: $user, level: $level}) WHERE e.deleted = false
		RETURN e ORDER BY e.importance_score DESC LIMIT $limit`,
		map[string]interface{}{"user": s.userID, "level": int64(level), "limit": int64(limit)})
	if err != nil {
		return nil, neo4jErr("list episodes", err)
	}
	return episodesFromRecords(records, "e"), nil
}

func (s *Neo4jStore) ListBySource(ctx context.Context, source string, limit int) ([]memtypes.Episode, error) {
	records, err := s.run(ctx, `
		MATCH (e:Episodic {user_id: $user, source: $source}) WHERE e.deleted = false
		RETURN e ORDER BY e.created_at DESC LIMIT $limit`,
		map[string]interface{}{"user": s.userID, "source": source, "limit": int64(limit)})
	if err != nil {
		return nil, neo4jErr("list by source", err)
	}
	return episodesFromRecords(records, "e"), nil
}

func (s *Neo4jStore) ListCommunities(ctx context.Context, limit int) ([]memtypes.Community, error) {
	records, err := s.run(ctx, `
		MATCH (c:Community {user_id: $user})
		OPTIONAL MATCH (c)-[:HAS_MEMBER]->(m)
		RETURN c, collect(m.id) AS members
		ORDER BY c.created_at DESC LIMIT $limit`,
		map[string]interface{}{"user": s.userID, "limit": int64(limit)})
	if err != nil {
		return nil, neo4jErr("list communities", err)
	}
	out := make([]memtypes.Community, 0, len(records))
	for _, rec := range records {
		v, ok := rec.Get("c")
		if !ok {
			continue
		}
		node, ok := v.(neo4j.Node)
		if !ok {
			continue
		}
		c := memtypes.Community{
			ID:      getString(node.Props, "id"),
			Name:    getString(node.Props, "name"),
			Summary: getString(node.Props, "summary"),
			UserID:  getString(node.Props, "user_id"),
		}
		if lv, ok := node.Props["level"].(int64); ok {
			c.Level = memtypes.Level(lv)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, getString(node.Props, "created_at"))
		if members, ok := rec.Get("members"); ok {
			if list, ok := members.([]interface{}); ok {
				for _, m := range list {
					if id, ok := m.(string); ok {
						c.MemberIDs = append(c.MemberIDs, id)
					}
				}
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func getString(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}

// =============================================================================
// RETRIEVAL ARMS
// =============================================================================

func (s *Neo4jStore) SearchVector(ctx context.Context, embedding []float32, k int) ([]memtypes.Episode, error) {
	emb := make([]float64, len(embedding))
	for i, v := range embedding {
		emb[i] = float64(v)
	}
	records, err := s.run(ctx, `
		CALL db.index.vector.queryNodes('episode_embedding', $k, $embedding)
		YIELD node AS e, score
		WHERE e.user_id = $user AND e.deleted = false
		RETURN e ORDER BY score DESC`,
		map[string]interface{}{"k": int64(k), "embedding": emb, "user": s.userID})
	if err != nil {
		return nil, neo4jErr("vector search", err)
	}
	return episodesFromRecords(records, "e"), nil
}

func (s *Neo4jStore) SearchKeyword(ctx context.Context, query string, k int) ([]memtypes.Episode, error) {
	escaped := EscapeLucene(query)
	if escaped == "" {
		return nil, nil
	}
	records, err := s.run(ctx, `
		CALL db.index.fulltext.queryNodes('episode_content', $query)
		YIELD node AS e, score
		WHERE e.user_id = $user AND e.deleted = false
		RETURN e ORDER BY score DESC LIMIT $k`,
		map[string]interface{}{"query": escaped, "user": s.userID, "k": int64(k)})
	if err != nil {
		return nil, neo4jErr("keyword search", err)
	}
	return episodesFromRecords(records, "e"), nil
}

func (s *Neo4jStore) SearchGraph(ctx context.Context, entityNames []string, k int) ([]memtypes.Episode, error) {
	if len(entityNames) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(entityNames))
	for i, n := range entityNames {
		lowered[i] = strings.ToLower(strings.TrimSpace(n))
	}
	records, err := s.run(ctx, `
		MATCH (n:Entity {user_id: $user})
		WHERE n.deleted = false AND toLower(n.name) IN $names
		OPTIONAL MATCH (n)-[:RELATES_TO]-(related:Entity {user_id: $user})
		WITH collect(n) + collect(related) AS entities
		UNWIND entities AS entity
		MATCH (e:Episodic {user_id: $user})-[:MENTIONS]->(entity)
		WHERE e.deleted = false
		RETURN DISTINCT e ORDER BY e.importance_score DESC LIMIT $k`,
		map[string]interface{}{"user": s.userID, "names": lowered, "k": int64(k)})
	if err != nil {
		return nil, neo4jErr("graph search", err)
	}
	return episodesFromRecords(records, "e"), nil
}

// luceneSpecials are characters with syntactic meaning in Lucene queries.
const luceneSpecials = `+-&|!(){}[]^"~*?:\/`

// EscapeLucene backslash-escapes Lucene query syntax so user text cannot
// change query semantics.
func EscapeLucene(query string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(query) {
		if strings.ContainsRune(luceneSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func (s *Neo4jStore) ExistsDuplicate(ctx context.Context, contentHash string) (bool, error) {
	records, err := s.run(ctx, `
		MATCH (e:Episodic {user_id: $user, content_hash: $hash})
		WHERE e.deleted = false
		RETURN count(e) AS n`,
		map[string]interface{}{"user": s.userID, "hash": contentHash})
	if err != nil {
		return false, neo4jErr("exists duplicate", err)
	}
	if len(records) == 0 {
		return false, nil
	}
	n, _ := records[0].Get("n")
	count, _ := n.(int64)
	return count > 0, nil
}

func (s *Neo4jStore) TouchAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.run(ctx, `
		MATCH (e:Episodic {user_id: $user}) WHERE e.id IN $ids
		SET e.access_count = e.access_count + 1, e.last_accessed = $now`,
		map[string]interface{}{
			"user": s.userID, "ids": ids,
			"now": time.Now().UTC().Format(time.RFC3339Nano),
		})
	return neo4jErr("touch access", err)
}

func (s *Neo4jStore) UpdateImportance(ctx context.Context, id string, score float64) error {
	if score < 0 || score > 1 {
		return &memtypes.IntegrityError{NodeID: id, Msg: "importance_score out of [0,1]"}
	}
	_, err := s.run(ctx, `
		MATCH (e:Episodic {id: $id, user_id: $user})
		SET e.importance_score = $score`,
		map[string]interface{}{"id": id, "user": s.userID, "score": score})
	return neo4jErr("update importance", err)
}

func (s *Neo4jStore) SoftDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.run(ctx, `
		MATCH (e:Episodic {user_id: $user}) WHERE e.id IN $ids
		SET e.deleted = true, e.deleted_at = $now`,
		map[string]interface{}{
			"user": s.userID, "ids": ids,
			"now": time.Now().UTC().Format(time.RFC3339Nano),
		})
	return neo4jErr("soft delete", err)
}

func (s *Neo4jStore) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	records, err := s.run(ctx, `
		MATCH (e:Episodic {user_id: $user})
		WHERE e.deleted = true AND e.deleted_at < $cutoff
		DETACH DELETE e
		RETURN count(e) AS n`,
		map[string]interface{}{"user": s.userID, "cutoff": cutoff})
	if err != nil {
		return 0, neo4jErr("purge deleted", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	v, _ := records[0].Get("n")
	n, _ := v.(int64)
	return int(n), nil
}

// =============================================================================
// OPERATIONAL
// =============================================================================

func (s *Neo4jStore) CountByLevel(ctx context.Context) (memtypes.TierStats, error) {
	var stats memtypes.TierStats
	records, err := s.run(ctx, `
		MATCH (e:Episodic {user_id: $user}) WHERE e.deleted = false
		RETURN e.level AS level, count(e) AS n`,
		map[string]interface{}{"user": s.userID})
	if err != nil {
		return stats, neo4jErr("count by level", err)
	}
	for _, rec := range records {
		lv, _ := rec.Get("level")
		nv, _ := rec.Get("n")
		level, _ := lv.(int64)
		n, _ := nv.(int64)
		switch memtypes.Level(level) {
		case memtypes.LevelL2:
			stats.L2Count += n
		case memtypes.LevelL3:
			stats.L3Count += n
		}
	}
	records, err = s.run(ctx, `
		MATCH (c:Community {user_id: $user}) RETURN count(c) AS n`,
		map[string]interface{}{"user": s.userID})
	if err != nil {
		return stats, neo4jErr("count communities", err)
	}
	if len(records) > 0 {
		v, _ := records[0].Get("n")
		n, _ := v.(int64)
		stats.L3Count += n
	}
	records, err = s.run(ctx, `
		MATCH (e:Episodic {user_id: $user}) WHERE e.deleted = true
		RETURN count(e) AS n`,
		map[string]interface{}{"user": s.userID})
	if err != nil {
		return stats, neo4jErr("count deleted", err)
	}
	if len(records) > 0 {
		v, _ := records[0].Get("n")
		n, _ := v.(int64)
		stats.Deleted = n
	}
	return stats, nil
}

func (s *Neo4jStore) Reset(ctx context.Context) error {
	_, err := s.run(ctx, `
		MATCH (n {user_id: $user}) DETACH DELETE n`,
		map[string]interface{}{"user": s.userID})
	return neo4jErr("reset", err)
}

// RunCypher executes a raw statement. Used by the migration runner only.
func (s *Neo4jStore) RunCypher(ctx context.Context, cypher string, params map[string]interface{}) ([]*neo4j.Record, error) {
	records, err := s.run(ctx, cypher, params)
	return records, neo4jErr("run cypher", err)
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	return neo4jErr("ping", s.driver.VerifyConnectivity(ctx))
}

func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}
