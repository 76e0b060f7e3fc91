package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/keyrelay/keyrelay/internal/gateway"
	"github.com/keyrelay/keyrelay/internal/vault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, constraint, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "constraint": constraint})
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /endpoints
// Secret names and base URLs are configuration detail, not public surface.
func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	type endpointInfo struct {
		Slug        string `json:"slug"`
		Description string `json:"description"`
	}
	endpoints := s.registry.List()
	result := make([]endpointInfo, len(endpoints))
	for i, e := range endpoints {
		result[i] = endpointInfo{Slug: e.Slug, Description: e.Description}
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /secrets
func (s *Server) handleStoreSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.Name == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and value required")
		return
	}

	info, err := s.vault.Store(ownerFromRequest(r), req.Name, req.Value)
	if err != nil {
		handleVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GET /secrets
func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	infos, err := s.vault.List(ownerFromRequest(r))
	if err != nil {
		handleVaultError(w, err)
		return
	}
	if infos == nil {
		infos = []vault.SecretInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// PUT /secrets/{name}
func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "value required")
		return
	}

	info, err := s.vault.Rotate(ownerFromRequest(r), r.PathValue("name"), req.Value)
	if err != nil {
		handleVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DELETE /secrets/{name}
func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	removed, err := s.vault.Remove(ownerFromRequest(r), r.PathValue("name"))
	if err != nil {
		handleVaultError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not_found", "secret not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /custom-secrets
func (s *Server) handleStoreCustomSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Value      string `json:"value"`
		BaseURL    string `json:"base_url"`
		AuthMode   string `json:"auth_mode"`
		HeaderName string `json:"header_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}
	if req.Name == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and value required")
		return
	}
	if req.AuthMode == "" {
		req.AuthMode = vault.AuthBearer
	}

	info, err := s.vault.StoreCustom(ownerFromRequest(r), vault.CustomSecretSpec{
		Name:       req.Name,
		Plaintext:  req.Value,
		BaseURL:    req.BaseURL,
		AuthMode:   req.AuthMode,
		HeaderName: req.HeaderName,
	})
	if err != nil {
		handleVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GET /custom-secrets
func (s *Server) handleListCustomSecrets(w http.ResponseWriter, r *http.Request) {
	infos, err := s.vault.ListCustom(ownerFromRequest(r))
	if err != nil {
		handleVaultError(w, err)
		return
	}
	if infos == nil {
		infos = []vault.CustomSecretInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// DELETE /custom-secrets/{name}
func (s *Server) handleDeleteCustomSecret(w http.ResponseWriter, r *http.Request) {
	removed, err := s.vault.RemoveCustom(ownerFromRequest(r), r.PathValue("name"))
	if err != nil {
		handleVaultError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not_found", "secret not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	records, err := s.db.RecentUsage(ownerFromRequest(r), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	type usageInfo struct {
		Endpoint   string `json:"endpoint"`
		Status     int    `json:"status"`
		DurationMS int64  `json:"duration_ms"`
		CreatedAt  string `json:"created_at"`
	}
	result := make([]usageInfo, len(records))
	for i, rec := range records {
		result[i] = usageInfo{
			Endpoint:   rec.Endpoint,
			Status:     rec.Status,
			DurationMS: rec.DurationMS,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// /proxy/{slug}/{path...} — the forwarding entry point, any method.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.log.Debug("proxy call", "slug", r.PathValue("slug"), "plan", planFromRequest(r))
	resp, err := s.gateway.Proxy(r.Context(), gateway.Request{
		OwnerID:  ownerFromRequest(r),
		Slug:     r.PathValue("slug"),
		SubPath:  "/" + r.PathValue("path"),
		RawQuery: r.URL.RawQuery,
		Method:   r.Method,
		Header:   r.Header,
		Body:     r.Body,
	})
	if err != nil {
		writeProxyError(w, err)
		return
	}
	streamUpstream(w, resp)
}

// /proxy-custom/{name}/{path...} — forwarding via a custom secret.
func (s *Server) handleProxyCustom(w http.ResponseWriter, r *http.Request) {
	resp, err := s.gateway.ProxyCustom(r.Context(), gateway.Request{
		OwnerID:  ownerFromRequest(r),
		Slug:     r.PathValue("name"),
		SubPath:  "/" + r.PathValue("path"),
		RawQuery: r.URL.RawQuery,
		Method:   r.Method,
		Header:   r.Header,
		Body:     r.Body,
	})
	if err != nil {
		writeProxyError(w, err)
		return
	}
	streamUpstream(w, resp)
}

// streamUpstream relays the upstream response unmodified: status, headers,
// and body copied through without buffering.
func streamUpstream(w http.ResponseWriter, resp *gateway.Response) {
	defer resp.Body.Close()
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	io.Copy(w, resp.Body)
}

func writeProxyError(w http.ResponseWriter, err error) {
	status := gateway.StatusFor(err)
	var constraint string
	switch {
	case errors.Is(err, gateway.ErrUnknownEndpoint):
		constraint = "unknown_endpoint"
	case errors.Is(err, gateway.ErrSecretNotConfigured):
		constraint = "secret_not_configured"
	case errors.Is(err, gateway.ErrPayloadTooLarge):
		constraint = "payload_too_large"
	case errors.Is(err, gateway.ErrUpstreamTimeout):
		constraint = "upstream_timeout"
	case errors.Is(err, gateway.ErrUpstreamUnreachable):
		constraint = "upstream_unreachable"
	default:
		writeError(w, status, "internal", "internal error")
		return
	}
	writeError(w, status, constraint, err.Error())
}

func handleVaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidName),
		errors.Is(err, vault.ErrInvalidBaseURL),
		errors.Is(err, vault.ErrInvalidAuthMode),
		errors.Is(err, vault.ErrMissingHeaderName):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, vault.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "a secret with this name already exists")
	case errors.Is(err, vault.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "secret not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
