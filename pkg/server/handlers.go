package server

import (
	"encoding/json"
	"net"
	"net/http"

	"cloudlunacy/frontdoor/pkg/certs"
	"cloudlunacy/frontdoor/pkg/errdefs"
	"cloudlunacy/frontdoor/pkg/orchestrator"
	"cloudlunacy/frontdoor/pkg/proxy"
)

// Handlers holds the API handler set over the orchestrator and the
// lifecycle manager.
type Handlers struct {
	Orch      *orchestrator.Orchestrator
	Lifecycle *proxy.Lifecycle
	Monitor   *certs.Monitor
}

// registerRequest is the POST /api/agent/register body.
type registerRequest struct {
	AgentID string `json:"agentId"`
	// TargetIP optionally overrides the caller's remote address.
	TargetIP string `json:"targetIp,omitempty"`
}

// RegisterAgent registers an agent using the caller's remote address as the
// backend IP unless the body overrides it.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindValidation, "invalid JSON body", err))
		return
	}

	targetIP := req.TargetIP
	if targetIP == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		targetIP = host
	}

	result, err := h.Orch.RegisterAgent(r.Context(), req.AgentID, targetIP)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mongodbUrl":     result.MongoURL,
		"tlsPassthrough": result.TLSPassthrough,
		"classification": result.TLS,
	})
}

// addSubdomainRequest is the POST /api/frontdoor/add-subdomain body.
type addSubdomainRequest struct {
	Subdomain string `json:"subdomain"`
	TargetIP  string `json:"targetIp"`
	AgentID   string `json:"agentId,omitempty"`
}

// AddSubdomain publishes a MongoDB route.
func (h *Handlers) AddSubdomain(w http.ResponseWriter, r *http.Request) {
	var req addSubdomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindValidation, "invalid JSON body", err))
		return
	}

	if err := h.Orch.AddSubdomain(r.Context(), req.Subdomain, req.TargetIP, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// addAppRequest is the POST /api/frontdoor/add-app body.
type addAppRequest struct {
	Subdomain string `json:"subdomain"`
	TargetURL string `json:"targetUrl"`
	AgentID   string `json:"agentId,omitempty"`
}

// AddApp publishes an HTTP app route.
func (h *Handlers) AddApp(w http.ResponseWriter, r *http.Request) {
	var req addAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindValidation, "invalid JSON body", err))
		return
	}

	if err := h.Orch.AddApp(r.Context(), req.Subdomain, req.TargetURL, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RemoveAgent revokes and unroutes an agent.
func (h *Handlers) RemoveAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Orch.RemoveAgent(r.Context(), r.PathValue("agentId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// TestConnection probes an agent's backend.
func (h *Handlers) TestConnection(w http.ResponseWriter, r *http.Request) {
	result, recommendations, err := h.Orch.TestConnection(r.Context(), r.PathValue("agentId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":          result,
		"recommendations": recommendations,
	})
}

// renewRequest is the POST /api/certificates/renew body.
type renewRequest struct {
	Force bool `json:"force,omitempty"`
}

// RenewCertificates runs a renewal scan.
func (h *Handlers) RenewCertificates(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errdefs.Wrap(errdefs.KindValidation, "invalid JSON body", err))
			return
		}
	}

	result, err := h.Orch.RenewCertificates(r.Context(), req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetConfig returns the merged dynamic document.
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Orch.Document()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetStatus returns uptime, domain settings, breaker states, and the proxy
// health snapshot.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Orch.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	payload := map[string]any{"frontdoor": status}
	if h.Lifecycle != nil {
		payload["proxy"] = h.Lifecycle.Snapshot()
		payload["recovery_history"] = h.Lifecycle.History().Snapshot()
	}
	if h.Monitor != nil {
		if scan := h.Monitor.LastScan(); scan != nil {
			payload["certificates"] = scan
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// Health is the liveness endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON serializes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps taxonomy kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errdefs.KindOf(err) {
	case errdefs.KindValidation:
		status = http.StatusBadRequest
	case errdefs.KindRateLimited:
		status = http.StatusTooManyRequests
	case errdefs.KindCircuitOpen, errdefs.KindProxyUnhealthy:
		status = http.StatusServiceUnavailable
	case errdefs.KindLockTimeout, errdefs.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(errdefs.KindOf(err)),
	})
}
