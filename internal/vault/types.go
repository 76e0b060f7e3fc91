package vault

import "time"

// Auth modes for custom secrets.
const (
	AuthBearer       = "bearer"
	AuthCustomHeader = "custom-header"
)

// SecretInfo is the metadata returned to callers. Masked is always the fixed
// redaction marker: values are shown once at creation time and never again.
type SecretInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Masked    string    `json:"masked"`
	CreatedAt time.Time `json:"created_at"`
}

// CustomSecretSpec is the caller-supplied definition of a custom secret: a
// credential plus its own upstream routing.
type CustomSecretSpec struct {
	Name       string
	Plaintext  string
	BaseURL    string
	AuthMode   string
	HeaderName string
}

// CustomSecretInfo is the listing shape for custom secrets. The base URL is
// the caller's own configuration, so unlike registry endpoints it is echoed
// back.
type CustomSecretInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Masked     string    `json:"masked"`
	BaseURL    string    `json:"base_url"`
	AuthMode   string    `json:"auth_mode"`
	HeaderName string    `json:"header_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RevealedCustom is a decrypted custom secret with its routing. The Plaintext
// field must not outlive the forwarded call that consumes it.
type RevealedCustom struct {
	Plaintext  string
	BaseURL    string
	AuthMode   string
	HeaderName string
}
