// Package scanner runs independent probe adapters in parallel and collects
// their raw findings for normalization.
package scanner

import (
	"context"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// Target identifies one scan target. Hint carries adapter-specific addressing
// such as an endpoint URL or a template path.
type Target struct {
	Resource types.ResourceRef
	Hint     string
}

// Adapter probes one slice of infrastructure. A nil target list means the
// adapter's full surface. Adapters report per-target problems as raw findings
// and return an error only when the probe itself cannot run; either way a
// single adapter never aborts the cycle.
type Adapter interface {
	Name() string
	Scan(ctx context.Context, targets []Target) ([]types.RawFinding, error)
}
