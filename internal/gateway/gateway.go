// Package gateway is the boundary to the external code-generation service.
// The rest of the system only sees the Gateway interface: text in, extracted
// candidate source out, with a minimum-length gate so empty or truncated
// completions surface as ErrGenerationFailed instead of bogus artifacts.
package gateway

import (
	"context"
	"errors"
)

// ErrGenerationFailed covers upstream call errors and empty or too-short
// output. Callers treat "no response" the same way.
var ErrGenerationFailed = errors.New("generation failed")

// Gateway produces candidate source for a task.
type Gateway interface {
	// Generate returns candidate source for a fresh description.
	Generate(ctx context.Context, description string) (string, error)

	// Fix returns corrected source. It must be given the exact error text
	// and the exact prior source so the upstream service can target the
	// defect.
	Fix(ctx context.Context, description, errorReport, priorSource string) (string, error)
}
