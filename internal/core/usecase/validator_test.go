package usecase

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

func ptr[T any](v T) *T { return &v }

func validationField(t *testing.T, err error) string {
	t.Helper()
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("ValidationError must unwrap to ErrValidation")
	}
	return verr.Field
}

func TestValidateAppliesDefaults(t *testing.T) {
	q, err := NewValidator(domain.DefaultTaxonomy()).Validate(domain.SearchParams{Query: "  react hooks  "})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if q.Text != "react hooks" {
		t.Fatalf("expected trimmed query, got %q", q.Text)
	}
	if q.Limit != domain.DefaultLimit || q.MinSimilarity != domain.DefaultMinSimilarity {
		t.Fatalf("unexpected defaults: %+v", q)
	}
	if q.Filter != (domain.SearchFilter{}) {
		t.Fatalf("expected empty filter, got %+v", q.Filter)
	}
}

func TestValidateQueryLength(t *testing.T) {
	v := NewValidator(domain.DefaultTaxonomy())

	if _, err := v.Validate(domain.SearchParams{Query: strings.Repeat("a", domain.MaxQueryChars)}); err != nil {
		t.Fatalf("query of exactly %d characters must pass: %v", domain.MaxQueryChars, err)
	}
	_, err := v.Validate(domain.SearchParams{Query: strings.Repeat("a", domain.MaxQueryChars+1)})
	if field := validationField(t, err); field != "query" {
		t.Fatalf("expected query field, got %s", field)
	}
	// Multi-byte runes count once.
	if _, err := v.Validate(domain.SearchParams{Query: strings.Repeat("é", domain.MaxQueryChars)}); err != nil {
		t.Fatalf("expected rune-counted length to pass: %v", err)
	}
	for _, q := range []string{"", "   ", "\t\n"} {
		if field := validationField(t, mustFail(v, domain.SearchParams{Query: q})); field != "query" {
			t.Fatalf("expected query field for %q, got %s", q, field)
		}
	}
}

func TestValidateRejectsInjectionShapedQueries(t *testing.T) {
	v := NewValidator(domain.DefaultTaxonomy())
	cases := []string{
		"<script>alert(1)</script>",
		"click javascript:alert(1)",
		"data:text/html;base64,AAAA",
		"read file:///etc/passwd",
		"x'; DROP TABLE users;--",
		"1 UNION SELECT password FROM users",
		"' or 1=1",
		"EXEC xp_cmdshell 'dir'",
		"delete from chunks",
		"hooks\x00",
	}
	for _, q := range cases {
		if field := validationField(t, mustFail(v, domain.SearchParams{Query: q})); field != "query" {
			t.Fatalf("expected query field for %q, got %s", q, field)
		}
	}

	allowed := []string{
		"how do I drop a table in convex",
		"select component from shadcn",
		"script tags in next.js",
		"user authentication with clerk",
	}
	for _, q := range allowed {
		if _, err := v.Validate(domain.SearchParams{Query: q}); err != nil {
			t.Fatalf("expected %q to pass, got %v", q, err)
		}
	}
}

func TestValidateLimitBounds(t *testing.T) {
	v := NewValidator(domain.DefaultTaxonomy())
	for _, limit := range []int{domain.MinLimit, domain.MaxLimit} {
		q, err := v.Validate(domain.SearchParams{Query: "q", Limit: ptr(limit)})
		if err != nil || q.Limit != limit {
			t.Fatalf("limit %d: got %+v, %v", limit, q, err)
		}
	}
	for _, limit := range []int{0, -1, domain.MaxLimit + 1} {
		if field := validationField(t, mustFail(v, domain.SearchParams{Query: "q", Limit: ptr(limit)})); field != "limit" {
			t.Fatalf("expected limit field for %d, got %s", limit, field)
		}
	}
}

func TestValidateMinSimilarityBounds(t *testing.T) {
	v := NewValidator(domain.DefaultTaxonomy())
	for _, s := range []float64{0, 1, 0.75} {
		if _, err := v.Validate(domain.SearchParams{Query: "q", MinSimilarity: ptr(s)}); err != nil {
			t.Fatalf("min_similarity %v must pass: %v", s, err)
		}
	}
	for _, s := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		if field := validationField(t, mustFail(v, domain.SearchParams{Query: "q", MinSimilarity: ptr(s)})); field != "min_similarity" {
			t.Fatalf("expected min_similarity field for %v, got %s", s, field)
		}
	}
}

func TestValidateEnumerations(t *testing.T) {
	v := NewValidator(domain.DefaultTaxonomy())

	q, err := v.Validate(domain.SearchParams{
		Query:      "q",
		Category:   ptr("guides"),
		Technology: ptr("Shadcn/ui"),
		DocType:    ptr("code"),
	})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	want := domain.SearchFilter{Category: "guides", Technology: "Shadcn/ui", DocType: domain.ContentCode}
	if q.Filter != want {
		t.Fatalf("expected %+v, got %+v", want, q.Filter)
	}

	cases := []struct {
		params domain.SearchParams
		field  string
	}{
		{domain.SearchParams{Query: "q", Category: ptr("Guides")}, "category"},
		{domain.SearchParams{Query: "q", Technology: ptr("react")}, "technology"},
		{domain.SearchParams{Query: "q", DocType: ptr("markdown")}, "doc_type"},
	}
	for _, tc := range cases {
		if field := validationField(t, mustFail(v, tc.params)); field != tc.field {
			t.Fatalf("expected %s, got %s", tc.field, field)
		}
	}
}

func TestValidateReportsFirstViolationInOrder(t *testing.T) {
	v := NewValidator(domain.DefaultTaxonomy())
	err := mustFail(v, domain.SearchParams{
		Query:         "q",
		Limit:         ptr(0),
		MinSimilarity: ptr(2.0),
		Category:      ptr("nope"),
	})
	if field := validationField(t, err); field != "limit" {
		t.Fatalf("expected limit to be reported first, got %s", field)
	}

	err = mustFail(v, domain.SearchParams{Query: "q", MinSimilarity: ptr(2.0), DocType: ptr("nope")})
	if field := validationField(t, err); field != "min_similarity" {
		t.Fatalf("expected min_similarity before doc_type, got %s", field)
	}
}

func mustFail(v *Validator, params domain.SearchParams) error {
	_, err := v.Validate(params)
	if err == nil {
		return errors.New("expected validation error, got nil")
	}
	return err
}
