package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Geolocation defaults, matching the free ip-api.com endpoint.
const (
	DefaultGeoURL        = "http://ip-api.com/json/"
	DefaultLookupTimeout = 5 * time.Second
)

// EnrichmentErrorKind classifies geolocation failures.
type EnrichmentErrorKind string

// Geolocation failure kinds.
const (
	Timeout         EnrichmentErrorKind = "timeout"
	HTTPFailure     EnrichmentErrorKind = "http_failure"
	InvalidResponse EnrichmentErrorKind = "invalid_response"
	QuotaExceeded   EnrichmentErrorKind = "quota_exceeded"
)

// EnrichmentError is recovered locally: the affected rows get CountryUnknown.
type EnrichmentError struct {
	Kind EnrichmentErrorKind
	IP   string
	Err  error
}

func (e *EnrichmentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("geolocating %s: %s", e.IP, e.Kind)
	}
	return fmt.Sprintf("geolocating %s: %s: %v", e.IP, e.Kind, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// Provider resolves an IP address to a country name.
type Provider interface {
	Lookup(ctx context.Context, ip string) (string, error)
}

// ValidIPv4 reports whether s is a dotted-decimal IPv4 address.
func ValidIPv4(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ":") {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// HTTPProvider queries an ip-api compatible JSON endpoint.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider returns a provider for baseURL. The IP is appended to the URL.
func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if baseURL == "" {
		baseURL = DefaultGeoURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultLookupTimeout}
	}
	return &HTTPProvider{baseURL: baseURL, client: client}
}

type geoResponse struct {
	Status  string `json:"status"`
	Country string `json:"country"`
	Message string `json:"message"`
}

// Lookup fetches the country for ip.
func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+url.PathEscape(ip), nil)
	if err != nil {
		return "", &EnrichmentError{Kind: HTTPFailure, IP: ip, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return "", &EnrichmentError{Kind: Timeout, IP: ip, Err: err}
		}
		return "", &EnrichmentError{Kind: HTTPFailure, IP: ip, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &EnrichmentError{Kind: QuotaExceeded, IP: ip}
	case resp.StatusCode != http.StatusOK:
		return "", &EnrichmentError{Kind: HTTPFailure, IP: ip, Err: errors.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		if isTimeout(ctx, err) {
			return "", &EnrichmentError{Kind: Timeout, IP: ip, Err: err}
		}
		return "", &EnrichmentError{Kind: HTTPFailure, IP: ip, Err: err}
	}

	var gr geoResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", &EnrichmentError{Kind: InvalidResponse, IP: ip, Err: err}
	}
	if gr.Status != "" && gr.Status != "success" {
		return "", &EnrichmentError{Kind: InvalidResponse, IP: ip, Err: errors.New(gr.Message)}
	}
	country := strings.TrimSpace(gr.Country)
	if country == "" {
		return "", &EnrichmentError{Kind: InvalidResponse, IP: ip, Err: errors.New("empty country")}
	}
	return country, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
