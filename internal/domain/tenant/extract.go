package tenant

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Request headers read by Extract. net/http canonicalizes names, so
// lookups are case-insensitive.
const (
	HeaderOrgURL       = "X-ADO-Org-URL"
	HeaderProject      = "X-ADO-Project"
	HeaderAuthType     = "X-ADO-Auth-Type"
	HeaderPAT          = "X-ADO-PAT"
	HeaderUsername     = "X-ADO-Username"
	HeaderPassword     = "X-ADO-Password"
	HeaderDomain       = "X-ADO-Domain"
	HeaderOnPremises   = "X-ADO-On-Premises"
	HeaderCollection   = "X-ADO-Collection"
	HeaderAPIVersion   = "X-ADO-API-Version"
	HeaderAccept       = "X-ADO-Accept"
	HeaderAllowedTools = "X-MCP-Allowed-Tools"
)

// DefaultAccept is used when the request carries no accept hint.
const DefaultAccept = "application/json"

// Extract builds the tenant configuration and tool allow-list from request
// headers. It performs no I/O. A header sent more than once resolves to its
// first value.
func Extract(h http.Header) (Config, AllowList, error) {
	onPrem := false
	if v := first(h, HeaderOnPremises); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, AllowList{}, invalid(HeaderOnPremises, HeaderOnPremises+" must be true or false")
		}
		onPrem = b
	}
	// Entra on-premises is rejected before anything else is looked at.
	if onPrem && strings.EqualFold(first(h, HeaderAuthType), string(AuthEntra)) {
		_, err := NewEntraAuth(onPrem)
		return Config{}, AllowList{}, err
	}

	orgURL := first(h, HeaderOrgURL)
	if orgURL == "" {
		return Config{}, AllowList{}, missing(HeaderOrgURL)
	}
	project := first(h, HeaderProject)
	if project == "" {
		return Config{}, AllowList{}, missing(HeaderProject)
	}
	if err := validateOrgURL(orgURL); err != nil {
		return Config{}, AllowList{}, err
	}

	auth, err := extractAuth(h, onPrem)
	if err != nil {
		return Config{}, AllowList{}, err
	}
	if auth.Kind() == AuthEntra {
		if err := ValidateEntraOrgURL(orgURL); err != nil {
			return Config{}, AllowList{}, err
		}
	}

	accept := first(h, HeaderAccept)
	if accept == "" {
		accept = DefaultAccept
	}

	cfg := Config{
		OrgURL:     strings.TrimRight(orgURL, "/"),
		Project:    project,
		OnPremises: onPrem,
		Collection: first(h, HeaderCollection),
		APIVersion: first(h, HeaderAPIVersion),
		Accept:     accept,
		Auth:       auth,
	}

	var allow AllowList
	if v := h.Get(HeaderAllowedTools); v != "" {
		allow = NewAllowList(strings.Split(v, ",")...)
	}
	return cfg, allow, nil
}

func extractAuth(h http.Header, onPrem bool) (Auth, error) {
	kind := AuthKind(strings.ToLower(first(h, HeaderAuthType)))
	if kind == "" {
		kind = AuthPAT
	}
	switch kind {
	case AuthPAT:
		return NewPATAuth(first(h, HeaderPAT))
	case AuthEntra:
		return NewEntraAuth(onPrem)
	case AuthNTLM:
		return NewNTLMAuth(first(h, HeaderUsername), first(h, HeaderPassword), first(h, HeaderDomain))
	case AuthBasic:
		return NewBasicAuth(first(h, HeaderUsername), first(h, HeaderPassword))
	default:
		return nil, invalid(HeaderAuthType, "unknown auth type "+strconv.Quote(string(kind)))
	}
}

func validateOrgURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid(HeaderOrgURL, HeaderOrgURL+" must be an absolute http(s) URL")
	}
	return nil
}

// Entra tokens belong to the gateway process, so they are only ever sent to
// Azure DevOps Services.
var entraHosts = []string{"dev.azure.com"}

const entraHostSuffix = ".visualstudio.com"

// ValidateEntraOrgURL rejects org URLs an Entra token must not be sent to:
// anything other than https on an Azure DevOps Services host.
func ValidateEntraOrgURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || (u.Port() != "" && u.Port() != "443") || !IsServicesHost(u.Hostname()) {
		return invalid(HeaderOrgURL, "entra auth requires an https "+HeaderOrgURL+" on dev.azure.com or *.visualstudio.com")
	}
	return nil
}

// IsServicesHost reports whether host is an Azure DevOps Services host.
func IsServicesHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, h := range entraHosts {
		if host == h {
			return true
		}
	}
	return strings.HasSuffix(host, entraHostSuffix) && len(host) > len(entraHostSuffix)
}

// first returns the trimmed first value of a header.
func first(h http.Header, name string) string {
	return strings.TrimSpace(h.Get(name))
}
