// Package tenant derives per-request backend configuration from headers.
package tenant

import (
	"sort"
	"strings"
)

// Config is the backend configuration seeded by one inbound request.
// It is immutable once built and never outlives the request or session it
// belongs to.
type Config struct {
	// OrgURL is the organization (cloud) or server (on-premises) base URL.
	OrgURL string
	// Project is the default project used when a tool call names none.
	Project string
	// OnPremises selects Azure DevOps Server URL and auth semantics.
	OnPremises bool
	// Collection is the on-premises project collection, if any.
	Collection string
	// APIVersion overrides the REST api-version query parameter.
	APIVersion string
	// Accept is sent as the Accept header on backend calls.
	Accept string
	// Auth holds exactly one credential variant.
	Auth Auth
}

// AuthKind names an Auth variant.
type AuthKind string

const (
	AuthPAT   AuthKind = "pat"
	AuthEntra AuthKind = "entra"
	AuthNTLM  AuthKind = "ntlm"
	AuthBasic AuthKind = "basic"
)

// Auth is a closed set of credential variants. Only this package can
// implement it, so a switch over the four concrete types is exhaustive.
type Auth interface {
	Kind() AuthKind
	sealed()
}

// PATAuth authenticates with a personal access token.
type PATAuth struct {
	Token string
}

// EntraAuth authenticates with a Microsoft Entra ID token acquired by the
// gateway process. It carries no per-request secret.
type EntraAuth struct{}

// NTLMAuth authenticates against on-premises servers with NTLM.
type NTLMAuth struct {
	Username string
	Password string
	Domain   string
}

// BasicAuth authenticates with a username and password.
type BasicAuth struct {
	Username string
	Password string
}

func (PATAuth) Kind() AuthKind   { return AuthPAT }
func (EntraAuth) Kind() AuthKind { return AuthEntra }
func (NTLMAuth) Kind() AuthKind  { return AuthNTLM }
func (BasicAuth) Kind() AuthKind { return AuthBasic }

func (PATAuth) sealed()   {}
func (EntraAuth) sealed() {}
func (NTLMAuth) sealed()  {}
func (BasicAuth) sealed() {}

// NewPATAuth validates and returns a PAT variant.
func NewPATAuth(token string) (PATAuth, error) {
	if token == "" {
		return PATAuth{}, incomplete(HeaderPAT, "pat auth requires a personal access token")
	}
	return PATAuth{Token: token}, nil
}

// NewEntraAuth returns the Entra variant. Entra tokens are not accepted by
// on-premises servers.
func NewEntraAuth(onPremises bool) (EntraAuth, error) {
	if onPremises {
		return EntraAuth{}, &ConfigError{
			Kind:   ErrUnsupportedAuthCombination,
			Header: HeaderAuthType,
			Msg:    "entra auth is not supported for on-premises servers",
		}
	}
	return EntraAuth{}, nil
}

// NewNTLMAuth validates and returns an NTLM variant. Domain is optional.
func NewNTLMAuth(username, password, domain string) (NTLMAuth, error) {
	if err := requireUserPass(AuthNTLM, username, password); err != nil {
		return NTLMAuth{}, err
	}
	return NTLMAuth{Username: username, Password: password, Domain: domain}, nil
}

// NewBasicAuth validates and returns a Basic variant.
func NewBasicAuth(username, password string) (BasicAuth, error) {
	if err := requireUserPass(AuthBasic, username, password); err != nil {
		return BasicAuth{}, err
	}
	return BasicAuth{Username: username, Password: password}, nil
}

func requireUserPass(kind AuthKind, username, password string) error {
	if username == "" {
		return incomplete(HeaderUsername, string(kind)+" auth requires a username")
	}
	if password == "" {
		return incomplete(HeaderPassword, string(kind)+" auth requires a password")
	}
	return nil
}

// AllowList is the set of tool names a tenant may call.
// The zero value permits every tool.
type AllowList struct {
	names map[string]struct{}
}

// NewAllowList builds an allow-list from names, ignoring blanks.
func NewAllowList(names ...string) AllowList {
	var a AllowList
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if a.names == nil {
			a.names = make(map[string]struct{})
		}
		a.names[n] = struct{}{}
	}
	return a
}

// IsEmpty reports whether the list places no restriction.
func (a AllowList) IsEmpty() bool { return len(a.names) == 0 }

// Contains reports whether name is listed explicitly.
func (a AllowList) Contains(name string) bool {
	_, ok := a.names[name]
	return ok
}

// IsToolAllowed reports whether the tenant may call name.
func (a AllowList) IsToolAllowed(name string) bool {
	return a.IsEmpty() || a.Contains(name)
}

// Names returns the listed names in sorted order.
func (a AllowList) Names() []string {
	out := make([]string, 0, len(a.names))
	for n := range a.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
