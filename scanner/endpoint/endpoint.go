// Package endpoint probes service API endpoints over HTTP for exposure
// issues: unauthenticated access, missing security headers, version
// disclosure, dangerous methods and plaintext transport.
package endpoint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// AdapterName is how this adapter registers with the scan runner.
const AdapterName = "api-endpoint"

// requiredHeaders must be present on every API response.
var requiredHeaders = []string{
	"X-Content-Type-Options",
	"X-Frame-Options",
}

// versionHeaders commonly leak server software versions.
var versionHeaders = []string{
	"Server",
	"X-Powered-By",
}

// dangerousMethods should never appear in an Allow header.
var dangerousMethods = []string{"TRACE", "TRACK"}

// Scanner probes a configured set of service endpoints.
type Scanner struct {
	endpoints map[string]string // service name -> URL
	client    *http.Client
	logger    zerolog.Logger
}

// New builds the scanner. Internal endpoints often carry self-signed
// certificates, so verification is skipped.
func New(endpoints map[string]string, timeout time.Duration, logger zerolog.Logger) *Scanner {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- self-signed internal endpoints
		},
	}
	return &Scanner{
		endpoints: endpoints,
		client:    client,
		logger:    logger.With().Str("adapter", AdapterName).Logger(),
	}
}

func (s *Scanner) Name() string { return AdapterName }

// Scan probes each configured endpoint, or only the targeted ones. An
// unreachable endpoint is skipped quietly; a timed-out one becomes a
// low-severity finding.
func (s *Scanner) Scan(ctx context.Context, targets []scanner.Target) ([]types.RawFinding, error) {
	wanted := targetSet(targets)

	var raws []types.RawFinding
	for service, url := range s.endpoints {
		if wanted != nil {
			if _, ok := wanted[url]; !ok {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return raws, ctx.Err()
		default:
		}
		raws = append(raws, s.scanEndpoint(ctx, service, url)...)
	}
	return raws, nil
}

func targetSet(targets []scanner.Target) map[string]struct{} {
	if len(targets) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		set[t.Resource.ID] = struct{}{}
	}
	return set
}

func (s *Scanner) scanEndpoint(ctx context.Context, service, url string) []types.RawFinding {
	ref := types.ResourceRef{Service: service, ID: url}
	raws := transportFindings(ref, url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("url", url).Msg("Bad endpoint URL")
		return raws
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			raws = append(raws, types.RawFinding{
				Type:        "API_TIMEOUT",
				RawSeverity: "low",
				Resource:    ref,
				Scanner:     AdapterName,
				Summary:     fmt.Sprintf("%s request timed out", service),
			})
			return raws
		}
		// Connection refused means the service is simply not listening here.
		s.logger.Debug().Err(err).Str("service", service).Msg("Endpoint not accessible")
		return raws
	}
	defer func() { _ = resp.Body.Close() }()

	raws = append(raws, responseFindings(ref, service, resp)...)
	raws = append(raws, s.methodFindings(ctx, ref, service, url)...)
	return raws
}

// transportFindings flags plain HTTP endpoints, loopback excluded.
func transportFindings(ref types.ResourceRef, url string) []types.RawFinding {
	if !strings.HasPrefix(url, "http://") {
		return nil
	}
	if strings.HasPrefix(url, "http://127.0.0.1") || strings.HasPrefix(url, "http://localhost") {
		return nil
	}
	return []types.RawFinding{{
		Type:        "API_PLAINTEXT_TRANSPORT",
		RawSeverity: "high",
		Resource:    ref,
		Scanner:     AdapterName,
		Summary:     fmt.Sprintf("%s is served over plain HTTP instead of HTTPS", ref.Service),
	}}
}

// responseFindings inspects a successful GET response.
func responseFindings(ref types.ResourceRef, service string, resp *http.Response) []types.RawFinding {
	var raws []types.RawFinding

	if resp.StatusCode == http.StatusOK {
		raws = append(raws, types.RawFinding{
			Type:        "API_UNAUTHENTICATED_ACCESS",
			RawSeverity: "high",
			Resource:    ref,
			Scanner:     AdapterName,
			Summary:     fmt.Sprintf("%s API accessible without authentication (HTTP %d)", service, resp.StatusCode),
		})
	}

	if missing := missingSecurityHeaders(resp.Header); len(missing) > 0 {
		raws = append(raws, types.RawFinding{
			Type:        "API_MISSING_SECURITY_HEADERS",
			RawSeverity: "medium",
			Resource:    ref,
			Scanner:     AdapterName,
			Summary:     fmt.Sprintf("%s missing security headers: %s", service, strings.Join(missing, ", ")),
			Details:     map[string]any{"missing_headers": missing},
		})
	}

	if header, value, leaked := versionDisclosed(resp.Header); leaked {
		raws = append(raws, types.RawFinding{
			Type:        "API_VERSION_DISCLOSURE",
			RawSeverity: "low",
			Resource:    ref,
			Scanner:     AdapterName,
			Summary:     fmt.Sprintf("%s exposes version information in %s header", service, header),
			Details:     map[string]any{"header": header, "value": value},
		})
	}
	return raws
}

// methodFindings sends OPTIONS and flags dangerous methods in Allow.
func (s *Scanner) methodFindings(ctx context.Context, ref types.ResourceRef, service, url string) []types.RawFinding {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, url, nil)
	if err != nil {
		return nil
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	allow := resp.Header.Get("Allow")
	if allow == "" {
		return nil
	}

	allowed := make(map[string]struct{})
	for _, m := range strings.Split(allow, ",") {
		allowed[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	var found []string
	for _, m := range dangerousMethods {
		if _, ok := allowed[m]; ok {
			found = append(found, m)
		}
	}
	if len(found) == 0 {
		return nil
	}
	return []types.RawFinding{{
		Type:        "API_DANGEROUS_METHODS",
		RawSeverity: "medium",
		Resource:    ref,
		Scanner:     AdapterName,
		Summary:     fmt.Sprintf("%s allows dangerous methods: %s", service, strings.Join(found, ", ")),
		Details:     map[string]any{"methods": found},
	}}
}

func missingSecurityHeaders(headers http.Header) []string {
	var missing []string
	for _, h := range requiredHeaders {
		if headers.Get(h) == "" {
			missing = append(missing, h)
		}
	}
	return missing
}

func versionDisclosed(headers http.Header) (string, string, bool) {
	for _, h := range versionHeaders {
		value := headers.Get(h)
		if value == "" {
			continue
		}
		if strings.ContainsAny(value, "0123456789") {
			return h, value, true
		}
	}
	return "", "", false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
