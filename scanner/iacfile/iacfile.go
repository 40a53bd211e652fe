// Package iacfile checks infrastructure template files for misconfigurations
// before they are ever applied: world-open ingress rules, disabled port
// security and credentials committed in plaintext.
package iacfile

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// AdapterName is how this adapter registers with the scan runner.
const AdapterName = "iac-file"

// cidrKeys hold ingress source ranges in common template dialects.
var cidrKeys = map[string]struct{}{
	"cidr":             {},
	"cidr_ip":          {},
	"cidr_blocks":      {},
	"remote_ip_prefix": {},
	"source_range":     {},
}

// credentialKeys look like secrets when they carry literal values.
var credentialKeys = []string{"password", "secret", "token", "api_key", "private_key"}

// placeholderPrefixes mark values that reference a secret store instead of
// embedding one.
var placeholderPrefixes = []string{"${", "{{", "vault:", "secret://", "env:"}

// Scanner walks template roots and inspects every YAML document.
type Scanner struct {
	roots  []string
	logger zerolog.Logger
}

func New(roots []string, logger zerolog.Logger) *Scanner {
	return &Scanner{
		roots:  roots,
		logger: logger.With().Str("adapter", AdapterName).Logger(),
	}
}

func (s *Scanner) Name() string { return AdapterName }

// Scan walks the configured roots, or re-checks only the targeted files.
func (s *Scanner) Scan(ctx context.Context, targets []scanner.Target) ([]types.RawFinding, error) {
	paths, err := s.collectPaths(targets)
	if err != nil {
		return nil, err
	}

	var raws []types.RawFinding
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return raws, ctx.Err()
		default:
		}
		found, err := s.scanFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Template not parseable")
			raws = append(raws, parseErrorFinding(path, err))
			continue
		}
		raws = append(raws, found...)
	}
	return raws, nil
}

func (s *Scanner) collectPaths(targets []scanner.Target) ([]string, error) {
	if len(targets) > 0 {
		var paths []string
		for _, t := range targets {
			paths = append(paths, t.Resource.ID)
		}
		return paths, nil
	}

	var paths []string
	for _, root := range s.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch filepath.Ext(path) {
			case ".yaml", ".yml":
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk template root %s: %w", root, err)
		}
	}
	return paths, nil
}

func (s *Scanner) scanFile(path string) ([]types.RawFinding, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	ref := types.ResourceRef{Service: "iac", ID: path}
	var raws []types.RawFinding
	walkMappings(&doc, func(key, value *yaml.Node) {
		raws = append(raws, checkEntry(ref, key, value)...)
	})
	return raws, nil
}

// walkMappings visits every key/value pair in the document tree.
func walkMappings(node *yaml.Node, visit func(key, value *yaml.Node)) {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			walkMappings(child, visit)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			visit(key, value)
			walkMappings(value, visit)
		}
	}
}

func checkEntry(ref types.ResourceRef, key, value *yaml.Node) []types.RawFinding {
	keyName := strings.ToLower(key.Value)
	var raws []types.RawFinding

	if _, isCIDR := cidrKeys[keyName]; isCIDR && containsWorldCIDR(value) {
		raws = append(raws, fileFinding(ref, key,
			"IAC_WORLD_OPEN_CIDR", "high",
			fmt.Sprintf("%s declares %s open to 0.0.0.0/0 at line %d", filepath.Base(ref.ID), keyName, key.Line)))
	}

	if keyName == "port_security_enabled" && isFalse(value) {
		raws = append(raws, fileFinding(ref, key,
			"IAC_PORT_SECURITY_OFF", "medium",
			fmt.Sprintf("%s disables port security at line %d", filepath.Base(ref.ID), key.Line)))
	}

	if isCredentialKey(keyName) && isPlaintextSecret(value) {
		raws = append(raws, fileFinding(ref, key,
			"IAC_PLAINTEXT_CREDENTIAL", "critical",
			fmt.Sprintf("%s embeds a plaintext credential %q at line %d", filepath.Base(ref.ID), key.Value, key.Line)))
	}
	return raws
}

func fileFinding(ref types.ResourceRef, key *yaml.Node, ftype, severity, summary string) types.RawFinding {
	return types.RawFinding{
		Type:        ftype,
		RawSeverity: severity,
		Resource:    ref,
		Scanner:     AdapterName,
		Summary:     summary,
		Details:     map[string]any{"key": key.Value, "line": key.Line},
	}
}

// parseErrorFinding records an unreadable or unparseable template as a
// finding scoped to the file, so broken templates surface in the audit trail
// instead of being silently skipped.
func parseErrorFinding(path string, cause error) types.RawFinding {
	return types.RawFinding{
		Type:        "SCANNER_ERROR",
		RawSeverity: "low",
		Resource:    types.ResourceRef{Service: "iac", ID: path},
		Scanner:     AdapterName,
		Summary:     fmt.Sprintf("template %s could not be scanned: %v", filepath.Base(path), cause),
		Details:     map[string]any{"error": cause.Error()},
	}
}

func containsWorldCIDR(value *yaml.Node) bool {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Value == "0.0.0.0/0" || value.Value == "::/0"
	case yaml.SequenceNode:
		for _, item := range value.Content {
			if containsWorldCIDR(item) {
				return true
			}
		}
	}
	return false
}

func isFalse(value *yaml.Node) bool {
	if value.Kind != yaml.ScalarNode {
		return false
	}
	v := strings.ToLower(value.Value)
	return v == "false" || v == "no" || v == "off"
}

func isCredentialKey(keyName string) bool {
	for _, marker := range credentialKeys {
		if strings.Contains(keyName, marker) {
			return true
		}
	}
	return false
}

func isPlaintextSecret(value *yaml.Node) bool {
	if value.Kind != yaml.ScalarNode || value.Value == "" {
		return false
	}
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(value.Value, prefix) {
			return false
		}
	}
	return true
}
