// Package filepatch applies structured edits to YAML configuration files.
// It is the remediation path for findings raised by the IaC scanner: set a
// single field to a safe value, keep the original bytes for rollback.
package filepatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/remediation"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/runbook"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// KindPatchYAML is the action kind this executor serves.
const KindPatchYAML = "yaml_set_field"

// Executor rewrites a single field in a YAML file under its root directory.
type Executor struct {
	root   string
	logger zerolog.Logger
}

// snapshot is the before/after payload stored on the remediation run.
type snapshot struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Diff    string `json:"diff,omitempty"`
}

// New builds the executor. All patched paths must resolve under root.
func New(root string, logger zerolog.Logger) *Executor {
	return &Executor{
		root:   root,
		logger: logger.With().Str("executor", KindPatchYAML).Logger(),
	}
}

func (e *Executor) Kind() string { return KindPatchYAML }

// Apply sets params["field"] (a dot path) to params["value"] in the file named
// by the resource ref. The original content goes into BeforeState so the
// engine can roll back a partial run.
func (e *Executor) Apply(ctx context.Context, action runbook.ActionSpec, ref types.ResourceRef) (remediation.ApplyResult, error) {
	var result remediation.ApplyResult

	field := action.Params["field"]
	if field == "" {
		return result, fmt.Errorf("action %s missing field param", action.Kind)
	}
	value, ok := action.Params["value"]
	if !ok {
		return result, fmt.Errorf("action %s missing value param", action.Kind)
	}

	path, err := e.resolve(ref.ID)
	if err != nil {
		return result, err
	}

	before, err := os.ReadFile(path)
	if err != nil {
		return result, fmt.Errorf("read %s: %w", ref.ID, err)
	}
	result.BeforeState, err = json.Marshal(snapshot{Path: ref.ID, Content: string(before)})
	if err != nil {
		return result, fmt.Errorf("snapshot before state: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(before, &doc); err != nil {
		return result, fmt.Errorf("parse %s: %w", ref.ID, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := setField(doc, strings.Split(field, "."), parseScalar(value)); err != nil {
		return result, fmt.Errorf("set %s in %s: %w", field, ref.ID, err)
	}

	after, err := yaml.Marshal(doc)
	if err != nil {
		return result, fmt.Errorf("encode %s: %w", ref.ID, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return result, fmt.Errorf("stat %s: %w", ref.ID, err)
	}
	if err := os.WriteFile(path, after, info.Mode().Perm()); err != nil {
		return result, fmt.Errorf("write %s: %w", ref.ID, err)
	}
	result.Mutated = true

	result.AfterState, err = json.Marshal(snapshot{
		Path:    ref.ID,
		Content: string(after),
		Diff:    lineDiff(string(before), string(after)),
	})
	if err != nil {
		return result, fmt.Errorf("snapshot after state: %w", err)
	}

	e.logger.Info().Str("path", ref.ID).Str("field", field).Msg("Patched config file")
	return result, nil
}

// Rollback writes the before snapshot content back.
func (e *Executor) Rollback(ctx context.Context, _ runbook.ActionSpec, ref types.ResourceRef, beforeState json.RawMessage) error {
	var snap snapshot
	if err := json.Unmarshal(beforeState, &snap); err != nil {
		return fmt.Errorf("decode before state: %w", err)
	}
	path, err := e.resolve(snap.Path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(snap.Content), 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", snap.Path, err)
	}
	e.logger.Info().Str("path", snap.Path).Msg("Restored config file from snapshot")
	return nil
}

// resolve joins the ref path onto root and rejects escapes.
func (e *Executor) resolve(name string) (string, error) {
	path := filepath.Join(e.root, filepath.Clean("/"+name))
	rel, err := filepath.Rel(e.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes patch root", name)
	}
	return path, nil
}

func setField(doc map[string]any, segments []string, value any) error {
	key := segments[0]
	if len(segments) == 1 {
		doc[key] = value
		return nil
	}
	child, ok := doc[key]
	if !ok || child == nil {
		next := map[string]any{}
		doc[key] = next
		return setField(next, segments[1:], value)
	}
	next, ok := child.(map[string]any)
	if !ok {
		return fmt.Errorf("field %s is not a mapping", key)
	}
	return setField(next, segments[1:], value)
}

// parseScalar keeps booleans and integers typed so the rewritten YAML does
// not quote them.
func parseScalar(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}

// lineDiff renders changed lines in unified style, enough for the audit
// trail to show what moved.
func lineDiff(before, after string) string {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")

	var b strings.Builder
	seen := make(map[string]bool, len(afterLines))
	for _, line := range afterLines {
		seen[line] = true
	}
	for _, line := range beforeLines {
		if !seen[line] && strings.TrimSpace(line) != "" {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	had := make(map[string]bool, len(beforeLines))
	for _, line := range beforeLines {
		had[line] = true
	}
	for _, line := range afterLines {
		if !had[line] && strings.TrimSpace(line) != "" {
			fmt.Fprintf(&b, "+ %s\n", line)
		}
	}
	return b.String()
}
