package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/marcus-qen/decisiongate/internal/dgmodel"
)

// MCPHTTPAdapter bridges a predicate query surface to an external MCP
// server over Streamable HTTP, applying the built-in http provider's
// host policy before each request plus a pinned dial (the host is
// resolved once at connect time, every resolved address is checked
// against the private/link-local policy, and the connection goes to a
// checked address), no redirects, connect/request timeouts, and a
// response-body cap enforced against both the declared Content-Length
// and the bytes actually read.
type MCPHTTPAdapter struct {
	providerID string
	endpoint   string
	client     *http.Client
	cfg        HTTPProviderConfig
}

func NewMCPHTTPAdapter(providerID, endpoint string, cfg HTTPProviderConfig) *MCPHTTPAdapter {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if !cfg.AllowPrivateHosts && isPrivateOrLinkLocal(ip) {
					return nil, fmt.Errorf("host %q resolves to a private/link-local address, which is denied by default", host)
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
	}
	return &MCPHTTPAdapter{
		providerID: providerID,
		endpoint:   endpoint,
		cfg:        cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (a *MCPHTTPAdapter) ProviderID() string { return a.providerID }
func (a *MCPHTTPAdapter) Close() error       { return nil }

func (a *MCPHTTPAdapter) Query(ctx context.Context, predicate string, params json.RawMessage, callerTime dgmodel.Timestamp, _ EnvView) (dgmodel.EvidenceResult, error) {
	if err := checkHostPolicy(a.endpoint, a.cfg); err != nil {
		return dgmodel.EvidenceResult{}.Downgrade("host_policy", err.Error()), nil
	}

	body, err := json.Marshal(mcpQueryParams{Predicate: predicate, Params: params, CallerTime: callerTime})
	if err != nil {
		return dgmodel.EvidenceResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return dgmodel.EvidenceResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return dgmodel.EvidenceResult{}.Downgrade("transport", err.Error()), nil
	}
	defer resp.Body.Close()

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil && n > a.cfg.MaxBodyBytes {
			return dgmodel.EvidenceResult{}.Downgrade("body_too_large", "Content-Length exceeds configured cap"), nil
		}
	}
	limited := io.LimitReader(resp.Body, a.cfg.MaxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return dgmodel.EvidenceResult{}.Downgrade("transport", err.Error()), nil
	}
	if int64(len(raw)) > a.cfg.MaxBodyBytes {
		return dgmodel.EvidenceResult{}.Downgrade("body_too_large", "response body exceeded cap while reading"), nil
	}
	if resp.StatusCode >= 300 {
		return dgmodel.EvidenceResult{}.Downgrade("mcp_http_status", fmt.Sprintf("server returned status %d", resp.StatusCode)), nil
	}

	var result dgmodel.EvidenceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return dgmodel.EvidenceResult{}, fmt.Errorf("mcp/http %s: decode result: %w", a.providerID, err)
	}
	return result, nil
}
