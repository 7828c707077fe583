// Package oracle provides scoring oracle backends.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	// ErrUnavailable is returned by the oracle used when no backend is configured.
	ErrUnavailable = errors.New("scoring oracle unavailable")

	// ErrEmptyReply is returned when the backend answers with no content.
	ErrEmptyReply = errors.New("scoring oracle returned an empty reply")
)

// New creates a scoring oracle based on configuration.
// A missing API key yields the unavailable oracle so the service still starts
// and evaluates on defaults.
func New(cfg domain.OracleConfig) (domain.ScoringOracle, error) {
	switch cfg.Provider {
	case "openai", "":
		if cfg.APIKey == "" {
			return Unavailable{}, nil
		}
		return NewOpenAI(cfg), nil
	case "none":
		return Unavailable{}, nil
	default:
		return nil, fmt.Errorf("unsupported oracle provider: %s", cfg.Provider)
	}
}

// Unavailable fails every call. It stands in when no backend is configured.
type Unavailable struct{}

// Complete always returns ErrUnavailable.
func (Unavailable) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", ErrUnavailable
}

// Func adapts an ordinary function to domain.ScoringOracle.
type Func func(ctx context.Context, system, prompt string) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

// Unfence trims a reply and removes a surrounding markdown code fence, if
// any. Models often fence JSON even when told not to.
func Unfence(reply string) string {
	s := strings.TrimSpace(reply)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
