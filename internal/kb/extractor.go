package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/kbforge/hybridretrieval/internal/observability"
)

// KeywordExtractor splits a raw query into entity-like terms and
// verb-bearing sentence fragments. It tries a bounded LLM call first and
// falls back to a deterministic morphological extractor when the LLM is
// unavailable, times out, or returns an unparseable response.
type KeywordExtractor struct {
	llm            LLMProvider
	verbSuffixList []string
	logger         zerolog.Logger
}

// NewKeywordExtractor builds a KeywordExtractor. llm may be nil, in which
// case Extract always uses the morphological fallback.
func NewKeywordExtractor(llm LLMProvider, verbSuffixList []string) *KeywordExtractor {
	return &KeywordExtractor{
		llm:            llm,
		verbSuffixList: verbSuffixList,
		logger:         observability.Logger("kb.extractor"),
	}
}

// llmExtractionResponse is the expected JSON shape of an LLM extraction
// call's response.
type llmExtractionResponse struct {
	Entities  []string `json:"entities"`
	Sentences []string `json:"sentences"`
}

// Extract runs the bounded LLM extraction call if an LLMProvider is
// configured, falling back to morphological extraction on any recoverable
// LLM error. The LLM call is bounded by llmExtractionTimeout on top of any
// deadline ctx already carries.
func (e *KeywordExtractor) Extract(ctx context.Context, query string) (Extraction, error) {
	if e.llm != nil {
		result, err := e.extractViaLLM(ctx, query)
		if err == nil {
			return result, nil
		}
		if !IsRecoverable(err) {
			return Extraction{}, err
		}
		e.logger.Warn().Err(err).Msg("llm extraction failed, falling back to morphological extraction")
	}
	return e.ExtractMorphological(query), nil
}

// llmExtractionTimeout bounds a single LLM extraction call.
const llmExtractionTimeout = 2 * time.Second

func (e *KeywordExtractor) extractViaLLM(ctx context.Context, query string) (Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, llmExtractionTimeout)
	defer cancel()
	raw, err := e.llm.Complete(ctx, extractionSystemPrompt, buildExtractionUserPrompt(query))
	if err != nil {
		return Extraction{}, err
	}

	var parsed llmExtractionResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrLLMMalformed, err)
	}

	return Extraction{
		RawTokens: tokenize(query),
		Entities:  parsed.Entities,
		Sentences: parsed.Sentences,
	}, nil
}

// ExtractMorphological is the deterministic fallback: Hangul-range-based
// tokenization followed by N-gram reconstruction of verb-bearing phrases.
// It never errors; given no recognizable tokens it returns an empty
// Extraction.
func (e *KeywordExtractor) ExtractMorphological(query string) Extraction {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return Extraction{}
	}

	consumed := make([]bool, len(tokens))
	var sentences []string

	for windowLen := 4; windowLen >= 2; windowLen-- {
		if windowLen > len(tokens) {
			continue
		}
		for start := 0; start+windowLen <= len(tokens); start++ {
			if anyConsumed(consumed, start, windowLen) {
				continue
			}
			window := tokens[start : start+windowLen]
			if !endsWithVerbSuffix(window[len(window)-1], e.verbSuffixList) {
				continue
			}
			sentences = append(sentences, strings.Join(window, " "))
			for i := start; i < start+windowLen; i++ {
				consumed[i] = true
			}
		}
	}

	var entities []string
	for i, tok := range tokens {
		if !consumed[i] && isHangulToken(tok) {
			entities = append(entities, tok)
		}
	}

	if len(entities) == 0 && len(sentences) == 0 {
		// Neither stage recognized anything (e.g. an ASCII item name with no
		// verb-suffixed token): fall back to treating the whole query as one
		// sentence rather than returning nothing at all.
		sentences = []string{query}
	}

	return Extraction{
		RawTokens: tokens,
		Entities:  entities,
		Sentences: sentences,
	}
}

func anyConsumed(consumed []bool, start, length int) bool {
	for i := start; i < start+length; i++ {
		if consumed[i] {
			return true
		}
	}
	return false
}

// endsWithVerbSuffix reports whether tok ends with one of the configured
// verb-bearing suffixes, marking it as the tail of a sentence-shaped
// fragment rather than a bare noun.
func endsWithVerbSuffix(tok string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(tok, suffix) {
			return true
		}
	}
	return false
}

// tokenize splits on whitespace, the only segmentation boundary available
// without a full morphological analyzer.
func tokenize(query string) []string {
	fields := strings.Fields(query)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// isHangulToken reports whether tok contains at least one rune of the
// Hangul script (unicode.Hangul), the signal used to decide a token is a candidate
// game-entity name rather than punctuation or a stray Latin fragment.
func isHangulToken(tok string) bool {
	for _, r := range tok {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}
