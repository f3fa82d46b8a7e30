package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// HTTPProviderConfig configures the hardened HTTP transport shared by
// the built-in "http" provider and any MCP/HTTP adapter.
type HTTPProviderConfig struct {
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	MaxBodyBytes       int64
	AllowInsecureHTTP  bool // permit plain http:// (default requires https://)
	AllowPrivateHosts  bool // permit private/link-local peers
}

func DefaultHTTPProviderConfig() HTTPProviderConfig {
	return HTTPProviderConfig{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxBodyBytes:   1 << 20, // 1 MiB, matching the MCP/stdio body cap
	}
}

// HTTPProvider is the built-in "http" provider: a single "get"
// predicate that issues a hardened GET/POST and returns the response
// body as evidence, content-type preserved.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return &HTTPProvider{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse // never follow redirects
			},
		},
	}
}

func (p *HTTPProvider) ProviderID() string { return "http" }
func (p *HTTPProvider) Close() error       { return nil }

type httpGetParams struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

func (p *HTTPProvider) Query(ctx context.Context, predicate string, params json.RawMessage, _ dgmodel.Timestamp, _ EnvView) (dgmodel.EvidenceResult, error) {
	if predicate != "get" {
		return dgmodel.EvidenceResult{}, fmt.Errorf("http: unknown predicate %q", predicate)
	}
	var gp httpGetParams
	if err := json.Unmarshal(params, &gp); err != nil {
		return dgmodel.EvidenceResult{}, fmt.Errorf("http: invalid params: %w", err)
	}
	if gp.Method == "" {
		gp.Method = http.MethodGet
	}

	if err := checkHostPolicy(gp.URL, p.cfg); err != nil {
		return dgmodel.EvidenceResult{}.Downgrade("host_policy", err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, gp.Method, gp.URL, nil)
	if err != nil {
		return dgmodel.EvidenceResult{}.Downgrade("request_invalid", err.Error()), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return dgmodel.EvidenceResult{}.Downgrade("transport", err.Error()), nil
	}
	defer resp.Body.Close()

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > p.cfg.MaxBodyBytes {
			return dgmodel.EvidenceResult{}.Downgrade("body_too_large", "Content-Length exceeds configured cap"), nil
		}
	}

	limited := io.LimitReader(resp.Body, p.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return dgmodel.EvidenceResult{}.Downgrade("transport", err.Error()), nil
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		return dgmodel.EvidenceResult{}.Downgrade("body_too_large", "response body exceeded cap while reading"), nil
	}

	return dgmodel.EvidenceResult{
		Value:       &dgmodel.Value{Kind: dgmodel.ValueBytes, Bytes: body},
		TrustLane:   dgmodel.Verified,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// checkHostPolicy enforces the scheme and private/link-local policy
// before a request is attempted.
func checkHostPolicy(rawURL string, cfg HTTPProviderConfig) error {
	host, scheme, err := splitURL(rawURL)
	if err != nil {
		return err
	}
	if scheme != "https" && !cfg.AllowInsecureHTTP {
		return fmt.Errorf("plain http:// is not permitted (allow_insecure_http is false)")
	}
	if cfg.AllowPrivateHosts {
		return nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve host %q: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivateOrLinkLocal(ip) {
			return fmt.Errorf("host %q resolves to a private/link-local address, which is denied by default", host)
		}
	}
	return nil
}

func isPrivateOrLinkLocal(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLoopback()
}

func splitURL(rawURL string) (host, scheme string, err error) {
	parsed, perr := url.Parse(rawURL)
	if perr != nil {
		return "", "", perr
	}
	if parsed.Hostname() == "" {
		return "", "", fmt.Errorf("url %q has no host", rawURL)
	}
	return parsed.Hostname(), parsed.Scheme, nil
}
