// Package suggest generates human-readable remediation guidance for findings.
// Generation is strictly best-effort: the remediation path works the same
// whether a provider is configured, slow, or failing.
package suggest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// Provider turns a finding into remediation text.
type Provider interface {
	Name() string
	Suggest(ctx context.Context, f types.Finding) (string, error)
}

// buildPrompt renders the finding for the model.
func buildPrompt(f types.Finding) string {
	var b strings.Builder
	b.WriteString("Security Finding Details:\n")
	fmt.Fprintf(&b, "- Type: %s\n", f.Type)
	fmt.Fprintf(&b, "- Severity: %s\n", f.Severity)
	fmt.Fprintf(&b, "- Resource: %s\n", f.Resource.String())
	fmt.Fprintf(&b, "- Summary: %s\n", f.Summary)
	b.WriteString("\nProvide step-by-step remediation instructions to fix this security issue. ")
	b.WriteString("Include specific commands or configuration changes where applicable.")
	return b.String()
}

const systemInstruction = "You are a security expert specializing in cloud infrastructure. " +
	"Provide clear, actionable remediation steps for security findings. " +
	"Format your response as numbered steps. Be specific and include " +
	"actual commands or configuration changes where applicable."
