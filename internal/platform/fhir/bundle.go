package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bundle represents a FHIR Bundle resource as returned by vendor search
// endpoints.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// ParseBundle decodes a search response body, rejecting documents that
// are not Bundles.
func ParseBundle(body []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected a Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// NextLink returns the "next" pagination link's URL, or "" on the last
// page. Adapters follow this until absent.
func (b *Bundle) NextLink() string {
	for _, link := range b.Link {
		if link.Relation == "next" {
			return link.URL
		}
	}
	return ""
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ParseReference splits a FHIR reference string into its resource type
// and id — the key pair the canonical store indexes resources by.
// References that are absolute URLs, contained ("#..."), or otherwise
// not of the "Type/id" shape return ok=false.
func ParseReference(ref string) (resourceType, id string, ok bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.Contains(ref, "://") {
		return "", "", false
	}
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
