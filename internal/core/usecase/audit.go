package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

const defaultAuditQueryChars = 200

const (
	OutcomeOK               = "ok"
	OutcomeValidationFailed = "validation_failed"
	OutcomeRateLimited      = "rate_limited"
	OutcomeTimeout          = "timeout"
	OutcomeNotFound         = "not_found"
	OutcomeInternal         = "internal_error"
)

// Outcome buckets an error into a stable label for audit and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case domain.IsKind(err, domain.ErrValidation):
		return OutcomeValidationFailed
	case domain.IsKind(err, domain.ErrRateLimited):
		return OutcomeRateLimited
	case domain.IsKind(err, domain.ErrTimeout):
		return OutcomeTimeout
	case domain.IsKind(err, domain.ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomeInternal
	}
}

// AuditRecorder builds sanitized audit events and hands them to the sink.
// Sink failures are logged and swallowed.
type AuditRecorder struct {
	sink          ports.AuditSink
	maxQueryChars int
	logger        *slog.Logger
	now           func() time.Time
}

func NewAuditRecorder(sink ports.AuditSink, maxQueryChars int, logger *slog.Logger) *AuditRecorder {
	if maxQueryChars <= 0 {
		maxQueryChars = defaultAuditQueryChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRecorder{
		sink:          sink,
		maxQueryChars: maxQueryChars,
		logger:        logger,
		now:           time.Now,
	}
}

type AuditEntry struct {
	Caller      domain.Caller
	Method      string
	Query       string
	ResultCount int
	Err         error
	Elapsed     time.Duration
	Truncated   bool
}

func (a *AuditRecorder) Record(ctx context.Context, entry AuditEntry) {
	if a == nil || a.sink == nil {
		return
	}
	event := domain.AuditEvent{
		EventID:     uuid.NewString(),
		RequestID:   entry.Caller.RequestID,
		ClientID:    entry.Caller.ClientID,
		Method:      entry.Method,
		Query:       SanitizeForLog(entry.Query, a.maxQueryChars),
		ResultCount: entry.ResultCount,
		Outcome:     Outcome(entry.Err),
		ElapsedMS:   float64(entry.Elapsed.Microseconds()) / 1000.0,
		Truncated:   entry.Truncated,
		OccurredAt:  a.now().UTC(),
	}
	if err := a.sink.Record(ctx, event); err != nil {
		a.logger.Warn("audit_record_failed", "method", entry.Method, "error", err)
	}
}

// SanitizeForLog collapses whitespace, drops control and markup characters
// and truncates to maxChars runes.
func SanitizeForLog(s string, maxChars int) string {
	var b strings.Builder
	count := 0
	lastSpace := false
	for _, r := range strings.TrimSpace(s) {
		if count >= maxChars {
			b.WriteString("...")
			break
		}
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			if lastSpace {
				continue
			}
			r = ' '
			lastSpace = true
		case r == '<' || r == '>' || r == '"' || r == '`':
			continue
		default:
			lastSpace = false
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
