// Package kb: FalkorDB-backed GraphStore. Every traversal is a single hop
// over a fixed predicate catalog; there is no general multi-hop path query.
package kb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kbforge/hybridretrieval/internal/observability"
)

// graphRelation describes one entry in the fixed find_<predicate> catalog:
// the Cypher pattern connecting a subject node to its peers, and the peer
// node's category.
type graphRelation struct {
	predicate    string
	cypherEdge   string // e.g. "-[:LOCATED_IN]->"
	peerCategory Category
	subjectLabel string
}

var graphRelations = map[string]graphRelation{
	"find_npc_location":      {"find_npc_location", "-[:LOCATED_IN]->", CategoryMap, "NPC"},
	"find_monster_locations": {"find_monster_locations", "-[:LOCATED_IN]->", CategoryMap, "MONSTER"},
	"find_item_sellers":      {"find_item_sellers", "<-[:SELLS]-", CategoryNPC, "ITEM"},
	"find_item_droppers":     {"find_item_droppers", "<-[:DROPS]-", CategoryMonster, "ITEM"},
	"find_map_connections":   {"find_map_connections", "-[:CONNECTS_TO]->", CategoryMap, "MAP"},
	"find_map_npcs":          {"find_map_npcs", "<-[:LOCATED_IN]-", CategoryNPC, "MAP"},
	"find_map_monsters":      {"find_map_monsters", "<-[:LOCATED_IN]-", CategoryMonster, "MAP"},
}

// GraphPredicates lists the fixed set of traversals the GraphStore supports.
func GraphPredicates() []string {
	out := make([]string, 0, len(graphRelations))
	for p := range graphRelations {
		out = append(out, p)
	}
	return out
}

// GraphStore is the relational retrieval store: single-hop Cypher
// traversals over FalkorDB's Redis-protocol GRAPH.QUERY command.
type GraphStore struct {
	client    *redis.Client
	graphName string
	logger    zerolog.Logger
}

// GraphStoreConfig configures the FalkorDB connection.
type GraphStoreConfig struct {
	Host      string
	Port      int
	Password  string
	GraphName string
}

// NewGraphStore creates a new graph store client.
func NewGraphStore(cfg GraphStoreConfig) *GraphStore {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
	})
	return &GraphStore{
		client:    client,
		graphName: cfg.GraphName,
		logger:    observability.Logger("kb.graphstore"),
	}
}

// Close closes the underlying connection.
func (g *GraphStore) Close() error {
	return g.client.Close()
}

// HealthCheck verifies FalkorDB is reachable.
func (g *GraphStore) HealthCheck(ctx context.Context) error {
	if err := g.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("graph store health check failed: %w", err)
	}
	return nil
}

// Traverse runs the named single-hop traversal rooted at subjectName and
// returns at most limit peers. subjectName must already be a canonical
// name; the GraphStore never resolves synonyms itself, the orchestrator
// resolves via the KeywordStore first.
func (g *GraphStore) Traverse(ctx context.Context, predicate string, subjectName string, limit int) ([]RetrievalResult, error) {
	rel, ok := graphRelations[predicate]
	if !ok {
		return nil, fmt.Errorf("%w: unknown graph predicate %q", ErrConfigurationError, predicate)
	}
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		MATCH (subject:%s {canonical_name: '%s'})%s(peer:%s)
		RETURN peer.id, peer.canonical_name, peer.category, peer.description
		LIMIT %d
	`, rel.subjectLabel, sanitizeCypherString(subjectName), rel.cypherEdge, string(rel.peerCategory), limit)

	start := time.Now()
	reply, err := g.client.Do(ctx, "GRAPH.QUERY", g.graphName, query).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: graph traversal %s: %v", ErrStoreTransport, predicate, err)
	}

	rows, err := parseGraphRows(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: graph traversal %s parse: %v", ErrStoreTransport, predicate, err)
	}

	out := make([]RetrievalResult, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		peerID, _ := row[0].(string)
		peerName, _ := row[1].(string)
		peerCategory, _ := row[2].(string)
		var description string
		if len(row) > 3 {
			description, _ = row[3].(string)
		}

		out = append(out, RetrievalResult{
			Entity: EntityRecord{
				ID:            peerID,
				CanonicalName: peerName,
				Category:      Category(peerCategory),
				Description:   description,
				Relations: []Relation{{
					Predicate:    predicate,
					PeerName:     subjectName,
					PeerCategory: "",
				}},
			},
			// Every result from a single-hop traversal is equally reachable
			// from the subject; there is no intra-call ordering.
			PerSourceRank: map[Source]int{SourceGraph: 0},
			Sources:       NewSourceSet(SourceGraph),
			MatchType:     MatchGraphRelation(predicate),
		})
	}

	g.logger.Debug().
		Str("predicate", predicate).
		Str("subject", subjectName).
		Int("results", len(out)).
		Dur("duration", time.Since(start)).
		Msg("graph traversal completed")

	return out, nil
}

// parseGraphRows parses a GRAPH.QUERY reply into data rows. FalkorDB replies
// with [header, data, statistics]; header and statistics are ignored here,
// data is a slice of rows, each row a slice of column values.
func parseGraphRows(reply interface{}) ([][]interface{}, error) {
	top, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected graph reply shape: %T", reply)
	}
	// A query with no RETURN rows may reply with just [header, data] or
	// even a bare empty array; tolerate both.
	if len(top) < 2 {
		return nil, nil
	}

	data, ok := top[1].([]interface{})
	if !ok {
		return nil, nil
	}

	rows := make([][]interface{}, 0, len(data))
	for _, r := range data {
		row, ok := r.([]interface{})
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// sanitizeCypherString escapes characters with meaning inside a single
// quoted Cypher string literal. GRAPH.QUERY has no bind-parameter support
// over the go-redis generic command path, so subject names are escaped
// before interpolation.
func sanitizeCypherString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "'", "\\'")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}
