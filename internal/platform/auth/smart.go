package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SMARTConfiguration is the vendor's SMART App Launch discovery document,
// served at {fhirBase}/.well-known/smart-configuration. The auth manager
// fetches it to fill in authorization/token endpoints a caller did not
// supply explicitly.
type SMARTConfiguration struct {
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	GrantTypes                    []string `json:"grant_types_supported"`
	Scopes                        []string `json:"scopes_supported"`
	ResponseTypes                 []string `json:"response_types_supported"`
	Capabilities                  []string `json:"capabilities"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// SupportsS256 reports whether the vendor advertises the S256 code
// challenge method PKCE requires.
func (c *SMARTConfiguration) SupportsS256() bool {
	for _, m := range c.CodeChallengeMethodsSupported {
		if m == "S256" {
			return true
		}
	}
	return false
}

// DiscoveryCacheTTL bounds how long a discovery document is trusted
// before a re-fetch; endpoint URLs change rarely but not never.
const DiscoveryCacheTTL = 24 * time.Hour

// DiscoverSMARTConfiguration fetches and decodes the vendor's SMART
// discovery document.
func DiscoverSMARTConfiguration(ctx context.Context, client *http.Client, fhirBaseURL string) (*SMARTConfiguration, error) {
	if client == nil {
		client = http.DefaultClient
	}
	wellKnown := strings.TrimRight(fhirBaseURL, "/") + "/.well-known/smart-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch smart configuration: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("smart configuration endpoint returned %d", resp.StatusCode)
	}

	var cfg SMARTConfiguration
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decode smart configuration: %w", err)
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("smart configuration missing authorization or token endpoint")
	}
	return &cfg, nil
}

// SMARTScope is one parsed SMART scope, e.g. "patient/Observation.read".
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // FHIR resource type or "*"
	Operation    string // "read", "write", or "*"
}

// ParseSMARTScope parses a single SMART scope string.
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	parts := strings.SplitN(scope, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid SMART scope %q: missing context", scope)
	}
	scopeContext := parts[0]
	switch scopeContext {
	case "patient", "user", "system":
	default:
		return nil, fmt.Errorf("invalid SMART scope %q: unknown context %q", scope, scopeContext)
	}

	resourceOp := strings.SplitN(parts[1], ".", 2)
	if len(resourceOp) != 2 || resourceOp[0] == "" || resourceOp[1] == "" {
		return nil, fmt.Errorf("invalid SMART scope %q: expected resource.operation", scope)
	}
	op := resourceOp[1]
	switch op {
	case "read", "write", "*":
	default:
		return nil, fmt.Errorf("invalid SMART scope %q: unknown operation %q", scope, op)
	}

	return &SMARTScope{Context: scopeContext, ResourceType: resourceOp[0], Operation: op}, nil
}

// ParseSMARTScopes parses a space-separated granted-scope string (as
// returned in a token response's "scope" field), skipping non-SMART
// entries like "openid" or "offline_access".
func ParseSMARTScopes(granted string) []SMARTScope {
	var out []SMARTScope
	for _, raw := range strings.Fields(granted) {
		if s, err := ParseSMARTScope(raw); err == nil {
			out = append(out, *s)
		}
	}
	return out
}

// ScopeAllows reports whether the granted scopes permit the given
// operation on the given resource type — checked before issuing a vendor
// call that would otherwise 403.
func ScopeAllows(scopes []SMARTScope, resourceType, operation string) bool {
	for _, s := range scopes {
		if resourceMatches(s.ResourceType, resourceType) && operationMatches(s.Operation, operation) {
			return true
		}
	}
	return false
}

func resourceMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

func operationMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}
