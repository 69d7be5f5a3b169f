// Package pentest probes the deployed HalluciFix API the way a lazy
// attacker would. It is a simulation of common probes, not a real
// penetration test; it only checks that the obvious doors are shut.
package pentest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gojek/heimdall/v7/httpclient"
	"go.uber.org/zap"

	"github.com/myideascope/hallucifix-infra/internal/report"
)

const (
	probeTimeout = 10 * time.Second
	probeRetries = 3

	// oversizedBodyBytes is well past any sane analyze request.
	oversizedBodyBytes = 2 << 20

	// burstRequests is how many requests the rate-limit probe fires.
	burstRequests = 25
)

// sqlErrorMarkers are substrings a response body must not echo back when
// fed SQL metacharacters.
var sqlErrorMarkers = []string{"syntax error", "SQLSTATE", "pg_catalog", "unterminated quoted string"}

// Outcome is the result of one probe. Advisory marks a miss that should be
// reported without deducting from the score.
type Outcome struct {
	Passed   bool
	Advisory bool
	Detail   string
}

// Probe is one simulated attack against the API.
type Probe struct {
	Name        string
	Description string
	// Severity applies when the probe fails.
	Severity report.Severity
	Run      func(ctx context.Context, s *Simulator) (Outcome, error)
}

// Simulator runs the probe catalog against one API base URL.
type Simulator struct {
	baseURL string
	client  *httpclient.Client
	log     *zap.SugaredLogger
}

// NewSimulator builds a simulator for the given API base URL. The client
// retries transient failures so a flaky probe does not become a finding.
func NewSimulator(baseURL string, logger *zap.SugaredLogger) *Simulator {
	return &Simulator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: httpclient.NewClient(
			httpclient.WithHTTPTimeout(probeTimeout),
			httpclient.WithRetryCount(probeRetries),
		),
		log: logger,
	}
}

// Probes is the catalog in execution order.
func Probes() []Probe {
	return []Probe{
		{
			Name:        "unauthenticated-access",
			Description: "listing analyses without a token must be rejected",
			Severity:    report.SeverityCritical,
			Run:         probeUnauthenticatedAccess,
		},
		{
			Name:        "sql-injection",
			Description: "SQL metacharacters must not break or leak from the API",
			Severity:    report.SeverityCritical,
			Run:         probeSQLInjection,
		},
		{
			Name:        "xss-reflection",
			Description: "script payloads must not be reflected verbatim",
			Severity:    report.SeverityHigh,
			Run:         probeXSSReflection,
		},
		{
			Name:        "oversized-payload",
			Description: "a 2 MiB body must be rejected",
			Severity:    report.SeverityMedium,
			Run:         probeOversizedPayload,
		},
		{
			Name:        "rate-limiting",
			Description: "a request burst should eventually be throttled",
			Severity:    report.SeverityMedium,
			Run:         probeRateLimiting,
		},
		{
			Name:        "security-headers",
			Description: "responses must carry HSTS and nosniff headers",
			Severity:    report.SeverityLow,
			Run:         probeSecurityHeaders,
		},
		{
			Name:        "tls-transport",
			Description: "the API must not serve plaintext HTTP",
			Severity:    report.SeverityHigh,
			Run:         probeTLSTransport,
		},
	}
}

// Run executes the catalog and maps outcomes to findings. A probe that
// cannot complete is recorded as an error-status finding, not a failure.
func (s *Simulator) Run(ctx context.Context) []report.Finding {
	var findings []report.Finding
	for _, probe := range Probes() {
		outcome, err := probe.Run(ctx, s)

		finding := report.Finding{
			CheckId:  probe.Name,
			Resource: s.baseURL,
			Severity: probe.Severity,
		}
		switch {
		case err != nil:
			s.logw().Warnw("probe failed to run", "probe", probe.Name, "error", err)
			finding.Status = report.StatusError
			finding.Message = err.Error()
		case outcome.Passed:
			finding.Status = report.StatusPassed
			finding.Message = outcome.Detail
		case outcome.Advisory:
			finding.Status = report.StatusWarned
			finding.Message = outcome.Detail
			finding.Remediation = probe.Description
		default:
			finding.Status = report.StatusFailed
			finding.Message = outcome.Detail
			finding.Remediation = probe.Description
		}
		findings = append(findings, finding)
	}
	return findings
}

func (s *Simulator) logw() *zap.SugaredLogger {
	if s.log != nil {
		return s.log
	}
	return zap.S()
}

// get issues a GET through the retrying client with the probe context.
func (s *Simulator) get(ctx context.Context, path string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if headers != nil {
		req.Header = headers
	}
	return s.client.Do(req)
}

// post issues a POST through the retrying client with the probe context.
func (s *Simulator) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header = http.Header{"Content-Type": []string{contentType}}
	return s.client.Do(req)
}

func readBody(res *http.Response) string {
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return ""
	}
	return string(body)
}

func probeUnauthenticatedAccess(ctx context.Context, s *Simulator) (Outcome, error) {
	res, err := s.get(ctx, "/v1/analyses", nil)
	if err != nil {
		return Outcome{}, err
	}
	readBody(res)
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return Outcome{Passed: true, Detail: fmt.Sprintf("rejected with %d", res.StatusCode)}, nil
	}
	return Outcome{Detail: fmt.Sprintf("unauthenticated request returned %d", res.StatusCode)}, nil
}

func probeSQLInjection(ctx context.Context, s *Simulator) (Outcome, error) {
	payloads := []string{
		`{"content": "' OR '1'='1"}`,
		`{"content": "'; DROP TABLE analyses; --"}`,
	}
	for _, payload := range payloads {
		res, err := s.post(ctx, "/v1/analyze", "application/json", strings.NewReader(payload))
		if err != nil {
			return Outcome{}, err
		}
		body := readBody(res)
		if res.StatusCode >= 500 {
			return Outcome{Detail: fmt.Sprintf("injection payload caused %d", res.StatusCode)}, nil
		}
		for _, marker := range sqlErrorMarkers {
			if strings.Contains(body, marker) {
				return Outcome{Detail: fmt.Sprintf("response leaks SQL error text (%q)", marker)}, nil
			}
		}
	}
	return Outcome{Passed: true, Detail: "injection payloads handled without errors or leaks"}, nil
}

func probeXSSReflection(ctx context.Context, s *Simulator) (Outcome, error) {
	// Quote-free so the payload survives JSON encoding byte-for-byte and a
	// verbatim echo can be matched against exactly what was sent.
	const payload = `<script>alert(1)</script>`
	res, err := s.post(ctx, "/v1/analyze", "application/json",
		strings.NewReader(fmt.Sprintf(`{"content": %q}`, payload)))
	if err != nil {
		return Outcome{}, err
	}
	body := readBody(res)
	if strings.Contains(body, payload) {
		return Outcome{Detail: "script payload reflected verbatim"}, nil
	}
	return Outcome{Passed: true, Detail: "script payload not reflected"}, nil
}

func probeOversizedPayload(ctx context.Context, s *Simulator) (Outcome, error) {
	body := fmt.Sprintf(`{"content": %q}`, strings.Repeat("A", oversizedBodyBytes))
	res, err := s.post(ctx, "/v1/analyze", "application/json", strings.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	readBody(res)
	if res.StatusCode == http.StatusRequestEntityTooLarge || res.StatusCode == http.StatusBadRequest {
		return Outcome{Passed: true, Detail: fmt.Sprintf("oversized body rejected with %d", res.StatusCode)}, nil
	}
	return Outcome{Detail: fmt.Sprintf("oversized body returned %d", res.StatusCode)}, nil
}

func probeRateLimiting(ctx context.Context, s *Simulator) (Outcome, error) {
	for i := 0; i < burstRequests; i++ {
		res, err := s.get(ctx, "/v1/health", nil)
		if err != nil {
			return Outcome{}, err
		}
		readBody(res)
		if res.StatusCode == http.StatusTooManyRequests {
			return Outcome{Passed: true, Detail: fmt.Sprintf("throttled after %d requests", i+1)}, nil
		}
	}
	// API Gateway throttles account-wide, so a quiet window may never see a
	// 429; record the miss as advisory rather than a scored failure.
	return Outcome{Advisory: true, Detail: fmt.Sprintf("no throttling after %d requests", burstRequests)}, nil
}

func probeSecurityHeaders(ctx context.Context, s *Simulator) (Outcome, error) {
	res, err := s.get(ctx, "/v1/health", nil)
	if err != nil {
		return Outcome{}, err
	}
	readBody(res)

	var missing []string
	if res.Header.Get("Strict-Transport-Security") == "" {
		missing = append(missing, "Strict-Transport-Security")
	}
	if !strings.EqualFold(res.Header.Get("X-Content-Type-Options"), "nosniff") {
		missing = append(missing, "X-Content-Type-Options")
	}
	if len(missing) > 0 {
		return Outcome{Detail: "missing headers: " + strings.Join(missing, ", ")}, nil
	}
	return Outcome{Passed: true, Detail: "security headers present"}, nil
}

func probeTLSTransport(ctx context.Context, s *Simulator) (Outcome, error) {
	parsed, err := url.Parse(s.baseURL)
	if err != nil {
		return Outcome{}, err
	}
	if parsed.Scheme != "https" {
		// The base URL itself is plaintext; nothing to downgrade.
		return Outcome{Detail: "API base URL is not https"}, nil
	}
	parsed.Scheme = "http"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Outcome{}, err
	}
	res, err := s.client.Do(req)
	if err != nil {
		// Connection refused on port 80 is the desired state.
		return Outcome{Passed: true, Detail: "plaintext endpoint unreachable"}, nil
	}
	readBody(res)
	if res.StatusCode == http.StatusOK {
		return Outcome{Detail: "API served plaintext HTTP with 200"}, nil
	}
	return Outcome{Passed: true, Detail: fmt.Sprintf("plaintext request rejected with %d", res.StatusCode)}, nil
}
