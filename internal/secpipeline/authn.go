package secpipeline

import (
	"crypto/subtle"
	"strings"

	"github.com/marcus-qen/decisiongate/internal/dgerr"
)

// AuthMode selects how the pipeline authenticates a Request.
type AuthMode string

const (
	// AuthLocalOnly allows stdio transport unconditionally and HTTP/SSE
	// only from loopback addresses.
	AuthLocalOnly AuthMode = "local_only"
	// AuthBearerToken requires an Authorization: Bearer token matching
	// the configured set, compared in constant time.
	AuthBearerToken AuthMode = "bearer_token"
	// AuthMTLS requires a proxy-forwarded client subject matching the
	// configured subject set.
	AuthMTLS AuthMode = "mtls"
)

// AuthConfig configures an Authenticator.
type AuthConfig struct {
	Mode         AuthMode
	BearerTokens []string // valid tokens, bearer_token mode
	MTLSSubjects []string // valid subjects, mtls mode
}

// Authenticator implements pipeline step 2.
type Authenticator struct {
	cfg          AuthConfig
	bearerTokens map[string]bool
	mtlsSubjects map[string]bool
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	a := &Authenticator{cfg: cfg, bearerTokens: make(map[string]bool, len(cfg.BearerTokens)), mtlsSubjects: make(map[string]bool, len(cfg.MTLSSubjects))}
	for _, t := range cfg.BearerTokens {
		a.bearerTokens[t] = true
	}
	for _, s := range cfg.MTLSSubjects {
		a.mtlsSubjects[s] = true
	}
	return a
}

// Authenticate resolves a Request to a Principal or fails closed with
// an Unauthenticated error. A bearer-token Principal carries only the
// token's fingerprint, never the raw token; an mTLS Principal's ID
// carries the client subject string itself.
func (a *Authenticator) Authenticate(req Request) (Principal, error) {
	switch a.cfg.Mode {
	case AuthLocalOnly:
		return a.authenticateLocalOnly(req)
	case AuthBearerToken:
		return a.authenticateBearerToken(req)
	case AuthMTLS:
		return a.authenticateMTLS(req)
	default:
		return Principal{}, dgerr.NewUnauthenticated("no authentication mode configured")
	}
}

func (a *Authenticator) authenticateLocalOnly(req Request) (Principal, error) {
	if req.Transport == TransportStdio {
		return Principal{ID: "stdio"}, nil
	}
	if isLoopback(req.PeerAddr) {
		return Principal{ID: "loopback:" + req.PeerAddr}, nil
	}
	return Principal{}, dgerr.NewUnauthenticated("local_only mode rejects non-loopback " + string(req.Transport) + " requests")
}

func (a *Authenticator) authenticateBearerToken(req Request) (Principal, error) {
	token, ok := bearerToken(req.AuthHeader)
	if !ok {
		return Principal{}, dgerr.NewUnauthenticated("missing or malformed Authorization header")
	}
	for configured := range a.bearerTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(configured)) == 1 {
			return Principal{ID: "bearer:" + fingerprint(token)[:16], TokenFingerprint: fingerprint(token)}, nil
		}
	}
	return Principal{}, dgerr.NewUnauthenticated("bearer token does not match configured set")
}

func (a *Authenticator) authenticateMTLS(req Request) (Principal, error) {
	subject := strings.TrimSpace(req.ClientSubjectHeader)
	if subject == "" {
		return Principal{}, dgerr.NewUnauthenticated("missing client-subject header")
	}
	if !a.mtlsSubjects[subject] {
		return Principal{}, dgerr.NewUnauthenticated("client subject not in configured set")
	}
	return Principal{ID: "mtls:" + subject, TokenFingerprint: fingerprint(subject)}, nil
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}
