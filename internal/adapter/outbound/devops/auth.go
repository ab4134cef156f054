package devops

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/go-ntlmssp"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
)

// ErrNoTokenSource is returned when an Entra tenant is served without a
// token source configured.
var ErrNoTokenSource = errors.New("entra auth requires a token source")

// ErrForeignHost is returned when a request, usually a redirect, would
// carry tenant credentials to a host other than the tenant's org URL.
var ErrForeignHost = errors.New("refusing to send credentials to another host")

const maxRedirects = 10

// sameHostRedirects follows redirects only on the original scheme and host.
func sameHostRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	orig := via[0].URL
	if req.URL.Scheme != orig.Scheme || !strings.EqualFold(req.URL.Host, orig.Host) {
		return fmt.Errorf("redirect to %s://%s: %w", req.URL.Scheme, req.URL.Host, ErrForeignHost)
	}
	return nil
}

// pinnedHostTransport refuses any request outside the tenant's scheme and
// host before the auth round-trippers see it.
type pinnedHostTransport struct {
	scheme string
	host   string
	next   http.RoundTripper
}

func (t *pinnedHostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != t.scheme || !strings.EqualFold(req.URL.Host, t.host) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("request to %s://%s: %w", req.URL.Scheme, req.URL.Host, ErrForeignHost)
	}
	return t.next.RoundTrip(req)
}

// basicAuthTransport sets HTTP basic credentials on every request.
type basicAuthTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(r)
}

// bearerTransport sets an Entra access token on every request.
type bearerTransport struct {
	tokens TokenSource
	next   http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.tokens.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("acquire entra token: %w", err)
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+tok)
	return t.next.RoundTrip(r)
}

// authTransport wraps base with the round-tripper for the tenant's
// credential variant.
func authTransport(auth tenant.Auth, base http.RoundTripper, tokens TokenSource) (http.RoundTripper, error) {
	switch a := auth.(type) {
	case tenant.PATAuth:
		// PATs go in the password slot with an empty user name.
		return &basicAuthTransport{password: a.Token, next: base}, nil
	case tenant.BasicAuth:
		return &basicAuthTransport{username: a.Username, password: a.Password, next: base}, nil
	case tenant.NTLMAuth:
		// The negotiator upgrades basic credentials to NTLM when the server
		// asks for it.
		return &basicAuthTransport{
			username: ntlmUser(a),
			password: a.Password,
			next:     ntlmssp.Negotiator{RoundTripper: base},
		}, nil
	case tenant.EntraAuth:
		if tokens == nil {
			return nil, ErrNoTokenSource
		}
		return &bearerTransport{tokens: tokens, next: base}, nil
	default:
		return nil, fmt.Errorf("unsupported auth variant %T", auth)
	}
}

func ntlmUser(a tenant.NTLMAuth) string {
	if a.Domain == "" {
		return a.Username
	}
	return a.Domain + `\` + a.Username
}
