// Package registry holds the static mapping from public endpoint slugs to
// upstream APIs. It is the single source of truth for which upstream hosts
// the gateway may reach: a base URL not present here is never forwarded to.
package registry

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var validSlug = regexp.MustCompile(`^[a-z0-9-]+$`)

// Endpoint is one configured upstream API. Immutable after load and
// identical across all accounts.
type Endpoint struct {
	Slug        string `yaml:"slug"`
	BaseURL     string `yaml:"base_url"`
	SecretName  string `yaml:"secret_name"`
	Description string `yaml:"description"`
}

// Registry is a read-only slug lookup, safe for concurrent readers.
type Registry struct {
	endpoints map[string]Endpoint
}

// New builds a registry from a list of endpoints, validating each entry.
func New(endpoints []Endpoint) (*Registry, error) {
	m := make(map[string]Endpoint, len(endpoints))
	for _, e := range endpoints {
		if !validSlug.MatchString(e.Slug) {
			return nil, fmt.Errorf("invalid slug %q: only lowercase alphanumeric and hyphen allowed", e.Slug)
		}
		if _, dup := m[e.Slug]; dup {
			return nil, fmt.Errorf("duplicate slug %q", e.Slug)
		}
		if err := validateBaseURL(e.BaseURL); err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", e.Slug, err)
		}
		if e.SecretName == "" {
			return nil, fmt.Errorf("endpoint %q: secret_name is required", e.Slug)
		}
		m[e.Slug] = e
	}
	return &Registry{endpoints: m}, nil
}

// Load reads endpoint definitions from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading endpoints file: %w", err)
	}
	var doc struct {
		Endpoints []Endpoint `yaml:"endpoints"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing endpoints file: %w", err)
	}
	if len(doc.Endpoints) == 0 {
		return nil, fmt.Errorf("endpoints file %s defines no endpoints", path)
	}
	return New(doc.Endpoints)
}

// Default returns the built-in endpoint set used when no endpoints file is
// configured.
func Default() *Registry {
	r, err := New([]Endpoint{
		{Slug: "openai", BaseURL: "https://api.openai.com/v1", SecretName: "OPENAI_API_KEY", Description: "OpenAI REST API"},
		{Slug: "anthropic", BaseURL: "https://api.anthropic.com/v1", SecretName: "ANTHROPIC_API_KEY", Description: "Anthropic REST API"},
		{Slug: "stripe", BaseURL: "https://api.stripe.com/v1", SecretName: "STRIPE_API_KEY", Description: "Stripe REST API"},
		{Slug: "github", BaseURL: "https://api.github.com", SecretName: "GITHUB_TOKEN", Description: "GitHub REST API"},
	})
	if err != nil {
		panic(err) // built-in set is validated by tests
	}
	return r
}

// Resolve looks up an endpoint by slug.
func (r *Registry) Resolve(slug string) (Endpoint, bool) {
	e, ok := r.endpoints[slug]
	return e, ok
}

// List returns all endpoints sorted by slug.
func (r *Registry) List() []Endpoint {
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// ValidateBaseURL checks that a string is an absolute http(s) URL. Shared
// with the custom-secret validation path.
func ValidateBaseURL(raw string) error {
	return validateBaseURL(raw)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL %q must be absolute http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL %q has no host", raw)
	}
	return nil
}
