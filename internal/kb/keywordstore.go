package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// KeywordStore is the lexical/staged-match retrieval store: SQLite-backed,
// returning matches in strict precedence order (exact_name > prefix >
// synonym > substring > description_ilike), each returned record taking the
// next 0-based rank in that order.
type KeywordStore struct {
	db *sql.DB
}

// NewKeywordStore opens (and migrates) the SQLite database at path.
func NewKeywordStore(path string) (*KeywordStore, error) {
	db, err := openStoreDB(path)
	if err != nil {
		return nil, err
	}
	return &KeywordStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *KeywordStore) Close() error {
	return s.db.Close()
}

// Search runs the staged match against term, optionally restricted to
// category (empty means any category), returning at most limit results in
// strict precedence order. Within a stage, rows are ordered by
// canonical_name for determinism. A term with fewer direct
// (exact/prefix/synonym/substring) matches than
// descriptionFallbackThreshold triggers the description
// substring stage; otherwise that stage is skipped entirely.
func (s *KeywordStore) Search(ctx context.Context, term string, category Category, limit int, descriptionFallbackThreshold int) ([]RetrievalResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	type stageQuery struct {
		matchType MatchType
		query     string
		args      []interface{}
	}

	likeTerm := strings.ToLower(term)
	categoryFilter := ""
	baseArgs := []interface{}{}
	if category != "" {
		categoryFilter = " AND e.category = ?"
	}

	buildArgs := func(args ...interface{}) []interface{} {
		out := append([]interface{}{}, args...)
		if category != "" {
			out = append(out, string(category))
		}
		return out
	}

	stages := []stageQuery{
		{
			matchType: MatchExactName,
			query: `SELECT DISTINCT e.id, e.canonical_name, e.category, e.description, e.detail_json, e.created_at, e.updated_at
				FROM entities e WHERE lower(e.canonical_name) = ?` + categoryFilter + ` ORDER BY e.canonical_name`,
			args: buildArgs(likeTerm),
		},
		{
			matchType: MatchPrefix,
			query: `SELECT DISTINCT e.id, e.canonical_name, e.category, e.description, e.detail_json, e.created_at, e.updated_at
				FROM entities e WHERE lower(e.canonical_name) LIKE ?` + categoryFilter + ` ORDER BY e.canonical_name`,
			args: buildArgs(likeTerm + "%"),
		},
		{
			matchType: MatchSynonym,
			query: `SELECT DISTINCT e.id, e.canonical_name, e.category, e.description, e.detail_json, e.created_at, e.updated_at
				FROM entities e JOIN synonyms s ON s.entity_id = e.id
				WHERE lower(s.synonym) = ?` + categoryFilter + ` ORDER BY e.canonical_name`,
			args: buildArgs(likeTerm),
		},
		{
			matchType: MatchSubstring,
			query: `SELECT DISTINCT e.id, e.canonical_name, e.category, e.description, e.detail_json, e.created_at, e.updated_at
				FROM entities e WHERE lower(e.canonical_name) LIKE ?` + categoryFilter + ` ORDER BY e.canonical_name`,
			args: buildArgs("%" + likeTerm + "%"),
		},
	}

	var results []RetrievalResult
	seen := make(map[string]bool)
	rank := 0
	directMatches := 0

	for _, stage := range stages {
		if len(results) >= limit {
			break
		}
		rows, err := s.db.QueryContext(ctx, stage.query, stage.args...)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword store stage %s: %v", ErrStoreTransport, stage.matchType, err)
		}
		stageResults, err := scanEntityRows(rows, stage.matchType, rank)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword store stage %s: %v", ErrStoreTransport, stage.matchType, err)
		}
		for _, r := range stageResults {
			if seen[r.Entity.ID] {
				continue
			}
			seen[r.Entity.ID] = true
			r.PerSourceRank = map[Source]int{SourceKeyword: rank}
			results = append(results, r)
			directMatches++
			rank++
			if len(results) >= limit {
				break
			}
		}
	}

	if directMatches < descriptionFallbackThreshold && len(results) < limit {
		query := `SELECT DISTINCT e.id, e.canonical_name, e.category, e.description, e.detail_json, e.created_at, e.updated_at
			FROM entities e WHERE lower(e.description) LIKE ?` + categoryFilter + ` ORDER BY e.canonical_name`
		rows, err := s.db.QueryContext(ctx, query, buildArgs("%"+likeTerm+"%")...)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword store description stage: %v", ErrStoreTransport, err)
		}
		stageResults, err := scanEntityRows(rows, MatchDescriptionILike, rank)
		if err != nil {
			return nil, fmt.Errorf("%w: keyword store description stage: %v", ErrStoreTransport, err)
		}
		for _, r := range stageResults {
			if seen[r.Entity.ID] {
				continue
			}
			seen[r.Entity.ID] = true
			r.PerSourceRank = map[Source]int{SourceKeyword: rank}
			results = append(results, r)
			rank++
			if len(results) >= limit {
				break
			}
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// UpsertEntity writes or replaces one entity record and its synonym list.
// It is the KeywordStore's only write path; ingestion packages call it, the
// query-time Search/Get/getByID paths never do.
func (s *KeywordStore) UpsertEntity(ctx context.Context, rec EntityRecord, synonyms []string) error {
	detailJSON, err := json.Marshal(rec.Detail)
	if err != nil {
		return fmt.Errorf("marshal entity detail: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin upsert tx: %v", ErrStoreTransport, err)
	}
	defer tx.Rollback()

	now := rec.UpdatedAt
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, canonical_name, category, description, detail_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			category       = excluded.category,
			description    = excluded.description,
			detail_json    = excluded.detail_json,
			updated_at     = excluded.updated_at`,
		rec.ID, rec.CanonicalName, string(rec.Category), rec.Description, string(detailJSON), rec.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("%w: upsert entity %s: %v", ErrStoreTransport, rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM synonyms WHERE entity_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("%w: clear synonyms for %s: %v", ErrStoreTransport, rec.ID, err)
	}
	for _, syn := range synonyms {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO synonyms (entity_id, synonym) VALUES (?, ?)`, rec.ID, syn); err != nil {
			return fmt.Errorf("%w: insert synonym %q for %s: %v", ErrStoreTransport, syn, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit upsert tx: %v", ErrStoreTransport, err)
	}
	return nil
}

// Get retrieves a single entity by exact canonical name and category. It is
// used by the orchestrator to resolve a GS step's subject to a canonical
// name before the graph traversal runs.
func (s *KeywordStore) Get(ctx context.Context, canonicalName string, category Category) (*EntityRecord, error) {
	categoryFilter := ""
	args := []interface{}{strings.ToLower(canonicalName)}
	if category != "" {
		categoryFilter = " AND category = ?"
		args = append(args, string(category))
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_name, category, description, detail_json, created_at, updated_at
		FROM entities WHERE lower(canonical_name) = ?`+categoryFilter, args...)

	var rec EntityRecord
	var detailJSON, createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &rec.CanonicalName, &rec.Category, &rec.Description, &detailJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: keyword store get: %v", ErrStoreTransport, err)
	}
	if err := json.Unmarshal([]byte(detailJSON), &rec.Detail); err != nil {
		rec.Detail = map[string]interface{}{}
	}
	return &rec, nil
}

// getByID retrieves a single entity by its primary key, used by the
// VectorStore to join an entity_id payload back to a full EntityRecord.
func (s *KeywordStore) getByID(ctx context.Context, id string) (*EntityRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_name, category, description, detail_json, created_at, updated_at
		FROM entities WHERE id = ?`, id)

	var rec EntityRecord
	var detailJSON, createdAt, updatedAt string
	if err := row.Scan(&rec.ID, &rec.CanonicalName, &rec.Category, &rec.Description, &detailJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: keyword store get by id: %v", ErrStoreTransport, err)
	}
	if err := json.Unmarshal([]byte(detailJSON), &rec.Detail); err != nil {
		rec.Detail = map[string]interface{}{}
	}
	return &rec, nil
}

func scanEntityRows(rows *sql.Rows, matchType MatchType, startRank int) ([]RetrievalResult, error) {
	defer rows.Close()
	var out []RetrievalResult
	rank := startRank
	for rows.Next() {
		var rec EntityRecord
		var detailJSON, createdAt, updatedAt string
		if err := rows.Scan(&rec.ID, &rec.CanonicalName, &rec.Category, &rec.Description, &detailJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detailJSON), &rec.Detail); err != nil {
			rec.Detail = map[string]interface{}{}
		}
		out = append(out, RetrievalResult{
			Entity:        rec,
			PerSourceRank: map[Source]int{SourceKeyword: rank},
			Sources:       NewSourceSet(SourceKeyword),
			MatchType:     matchType,
		})
		rank++
	}
	return out, rows.Err()
}
