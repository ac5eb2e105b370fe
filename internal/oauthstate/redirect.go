package oauthstate

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const wwwPrefix = "www."

// RedirectTarget is a validated post-login destination.
type RedirectTarget struct {
	Hostname string     `json:"hostname"`
	Path     string     `json:"path"`
	Query    url.Values `json:"query"`
}

// RedirectSchemaError reports a referer rejected by the redirect policy.
type RedirectSchemaError struct {
	Field string
	Value string
}

func (schemaError *RedirectSchemaError) Error() string {
	return fmt.Sprintf("redirect target rejected: %s %q not allowed", schemaError.Field, schemaError.Value)
}

// RedirectPolicy is an allow-list for post-login redirects.
type RedirectPolicy struct {
	hostnames map[string]struct{}
	paths     map[string]struct{}
	queryKeys map[string]struct{}
}

// NewRedirectPolicy builds a policy. Every hostname is also accepted with a
// www. prefix.
func NewRedirectPolicy(hostnames []string, paths []string, queryKeys []string) RedirectPolicy {
	policy := RedirectPolicy{
		hostnames: map[string]struct{}{},
		paths:     map[string]struct{}{},
		queryKeys: map[string]struct{}{},
	}
	for _, hostname := range hostnames {
		normalized := strings.ToLower(strings.TrimSpace(hostname))
		if normalized == "" {
			continue
		}
		normalized = strings.TrimPrefix(normalized, wwwPrefix)
		policy.hostnames[normalized] = struct{}{}
		policy.hostnames[wwwPrefix+normalized] = struct{}{}
	}
	for _, path := range paths {
		if trimmed := strings.TrimSpace(path); trimmed != "" {
			policy.paths[trimmed] = struct{}{}
		}
	}
	for _, key := range queryKeys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			policy.queryKeys[trimmed] = struct{}{}
		}
	}
	return policy
}

// Hostnames returns the accepted hostnames, sorted.
func (policy RedirectPolicy) Hostnames() []string {
	hostnames := make([]string, 0, len(policy.hostnames))
	for hostname := range policy.hostnames {
		hostnames = append(hostnames, hostname)
	}
	sort.Strings(hostnames)
	return hostnames
}

// Validate parses a referer URL. Hostname and path must be allow-listed;
// query keys outside the allowed set are dropped rather than rejected.
func (policy RedirectPolicy) Validate(rawReferer string) (RedirectTarget, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawReferer))
	if err != nil || parsed.Hostname() == "" {
		return RedirectTarget{}, &RedirectSchemaError{Field: "url", Value: rawReferer}
	}
	hostname := strings.ToLower(parsed.Hostname())
	return policy.Check(RedirectTarget{Hostname: hostname, Path: parsed.Path, Query: parsed.Query()})
}

// Check applies the policy to an already parsed target, such as one read back
// from a cookie. Query keys outside the allowed set are dropped.
func (policy RedirectPolicy) Check(target RedirectTarget) (RedirectTarget, error) {
	hostname := strings.ToLower(target.Hostname)
	if _, ok := policy.hostnames[hostname]; !ok {
		return RedirectTarget{}, &RedirectSchemaError{Field: "hostname", Value: target.Hostname}
	}
	if _, ok := policy.paths[target.Path]; !ok {
		return RedirectTarget{}, &RedirectSchemaError{Field: "path", Value: target.Path}
	}
	filtered := url.Values{}
	for key, values := range target.Query {
		if _, ok := policy.queryKeys[key]; ok {
			filtered[key] = values
		}
	}
	return RedirectTarget{
		Hostname: hostname,
		Path:     target.Path,
		Query:    filtered,
	}, nil
}
