package usecase

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// Query text is echoed back in responses and audit logs, so injection-shaped
// input is refused even though nothing downstream interprets it.
var denylist = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{name: "script tag", pattern: regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{name: "protocol handler", pattern: regexp.MustCompile(`(?i)\b(?:javascript|vbscript)\s*:`)},
	{name: "protocol handler", pattern: regexp.MustCompile(`(?i)\bdata:[a-z]+/[a-z0-9.+-]+[;,]`)},
	{name: "protocol handler", pattern: regexp.MustCompile(`(?i)\bfile://`)},
	{name: "sql keyword", pattern: regexp.MustCompile(`(?i)\b(?:drop|truncate|alter)\s+(?:table|database|schema)\b`)},
	{name: "sql keyword", pattern: regexp.MustCompile(`(?i)\bdelete\s+from\b`)},
	{name: "sql keyword", pattern: regexp.MustCompile(`(?i)\binsert\s+into\b`)},
	{name: "sql keyword", pattern: regexp.MustCompile(`(?i)\bunion\s+(?:all\s+)?select\b`)},
	{name: "sql keyword", pattern: regexp.MustCompile(`(?i)\bexec(?:ute)?\s+(?:xp|sp)_\w+`)},
	{name: "sql keyword", pattern: regexp.MustCompile(`(?i)'\s*or\s+'?\d+'?\s*=\s*'?\d+`)},
	{name: "sql comment", pattern: regexp.MustCompile(`;\s*--`)},
}

type Validator struct {
	taxonomy domain.Taxonomy
}

func NewValidator(taxonomy domain.Taxonomy) *Validator {
	return &Validator{taxonomy: taxonomy}
}

// Validate applies the request rules in order and reports the first violation.
func (v *Validator) Validate(params domain.SearchParams) (domain.SearchQuery, error) {
	text := strings.TrimSpace(params.Query)
	if text == "" {
		return domain.SearchQuery{}, invalid("query", "must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > domain.MaxQueryChars {
		return domain.SearchQuery{}, invalid("query", fmt.Sprintf("must be at most %d characters, got %d", domain.MaxQueryChars, n))
	}
	if !utf8.ValidString(text) {
		return domain.SearchQuery{}, invalid("query", "must be valid UTF-8")
	}
	if hasControlChars(text) {
		return domain.SearchQuery{}, invalid("query", "contains control characters")
	}
	for _, rule := range denylist {
		if rule.pattern.MatchString(text) {
			return domain.SearchQuery{}, invalid("query", "contains disallowed content ("+rule.name+")")
		}
	}

	limit := domain.DefaultLimit
	if params.Limit != nil {
		limit = *params.Limit
		if limit < domain.MinLimit || limit > domain.MaxLimit {
			return domain.SearchQuery{}, invalid("limit", fmt.Sprintf("must be between %d and %d", domain.MinLimit, domain.MaxLimit))
		}
	}

	minSimilarity := domain.DefaultMinSimilarity
	if params.MinSimilarity != nil {
		minSimilarity = *params.MinSimilarity
		if math.IsNaN(minSimilarity) || minSimilarity < 0 || minSimilarity > 1 {
			return domain.SearchQuery{}, invalid("min_similarity", "must be between 0.0 and 1.0")
		}
	}

	var filter domain.SearchFilter
	if params.Category != nil {
		if !v.taxonomy.HasCategory(*params.Category) {
			return domain.SearchQuery{}, invalid("category", "unknown category")
		}
		filter.Category = *params.Category
	}
	if params.Technology != nil {
		if !v.taxonomy.HasTechnology(*params.Technology) {
			return domain.SearchQuery{}, invalid("technology", "unknown technology")
		}
		filter.Technology = *params.Technology
	}
	if params.DocType != nil {
		if !domain.ValidContentType(*params.DocType) {
			return domain.SearchQuery{}, invalid("doc_type", "must be one of text, code")
		}
		filter.DocType = domain.ContentType(*params.DocType)
	}

	return domain.SearchQuery{
		Text:          text,
		Limit:         limit,
		MinSimilarity: minSimilarity,
		Filter:        filter,
	}, nil
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func invalid(field, reason string) error {
	return &domain.ValidationError{Field: field, Reason: reason}
}
