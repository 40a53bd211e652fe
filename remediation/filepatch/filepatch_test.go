package filepatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/runbook"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func patchAction(field, value string) runbook.ActionSpec {
	return runbook.ActionSpec{
		Kind:   KindPatchYAML,
		Params: map[string]string{"field": field, "value": value},
	}
}

func fileRef(name string) types.ResourceRef {
	return types.ResourceRef{Service: "iac", ID: name}
}

func TestApplySetsNestedField(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "network.yaml", "network:\n  port_security_enabled: false\n  name: edge\n")
	exec := New(dir, zerolog.Nop())

	result, err := exec.Apply(context.Background(), patchAction("network.port_security_enabled", "true"), fileRef("network.yaml"))
	require.NoError(t, err)
	assert.True(t, result.Mutated)

	raw, err := os.ReadFile(filepath.Join(dir, "network.yaml"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	network := doc["network"].(map[string]any)
	assert.Equal(t, true, network["port_security_enabled"])
	assert.Equal(t, "edge", network["name"])
}

func TestApplyCapturesDiffAndBeforeState(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", "debug: true\n")
	exec := New(dir, zerolog.Nop())

	result, err := exec.Apply(context.Background(), patchAction("debug", "false"), fileRef("app.yaml"))
	require.NoError(t, err)

	var before, after struct {
		Content string `json:"content"`
		Diff    string `json:"diff"`
	}
	require.NoError(t, json.Unmarshal(result.BeforeState, &before))
	require.NoError(t, json.Unmarshal(result.AfterState, &after))
	assert.Equal(t, "debug: true\n", before.Content)
	assert.Contains(t, after.Diff, "- debug: true")
	assert.Contains(t, after.Diff, "+ debug: false")
}

func TestApplyRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	exec := New(filepath.Join(dir, "configs"), zerolog.Nop())
	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0o755))
	writeConfig(t, dir, "secret.yaml", "token: abc\n")

	_, err := exec.Apply(context.Background(), patchAction("token", "x"), fileRef("../secret.yaml"))
	assert.Error(t, err)
}

func TestApplyMissingParams(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "app.yaml", "debug: true\n")
	exec := New(dir, zerolog.Nop())

	_, err := exec.Apply(context.Background(), runbook.ActionSpec{Kind: KindPatchYAML, Params: map[string]string{"value": "x"}}, fileRef("app.yaml"))
	assert.Error(t, err)

	_, err = exec.Apply(context.Background(), runbook.ActionSpec{Kind: KindPatchYAML, Params: map[string]string{"field": "debug"}}, fileRef("app.yaml"))
	assert.Error(t, err)
}

func TestRollbackRestoresOriginalContent(t *testing.T) {
	dir := t.TempDir()
	original := "network:\n  port_security_enabled: false\n"
	writeConfig(t, dir, "network.yaml", original)
	exec := New(dir, zerolog.Nop())

	result, err := exec.Apply(context.Background(), patchAction("network.port_security_enabled", "true"), fileRef("network.yaml"))
	require.NoError(t, err)

	err = exec.Rollback(context.Background(), runbook.ActionSpec{}, fileRef("network.yaml"), result.BeforeState)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "network.yaml"))
	require.NoError(t, err)
	assert.Equal(t, original, string(raw))
}
