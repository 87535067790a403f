// Package gateway wires the validator, RBAC resolver, route classifier,
// and tenant rewriter into a single reverse-proxy handler implementing
// spec.md §4.5's request flow.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/vitas/mlflow-enterprise-gateway/internal/apierror"
	"github.com/vitas/mlflow-enterprise-gateway/internal/audit"
	"github.com/vitas/mlflow-enterprise-gateway/internal/config"
	"github.com/vitas/mlflow-enterprise-gateway/internal/gwauth"
	"github.com/vitas/mlflow-enterprise-gateway/internal/middleware"
	"github.com/vitas/mlflow-enterprise-gateway/internal/mlflowroute"
	"github.com/vitas/mlflow-enterprise-gateway/internal/rbac"
	"github.com/vitas/mlflow-enterprise-gateway/internal/tenantpolicy"
)

// Gateway holds everything the proxy handler needs: one instance is built
// at startup and is safe for concurrent use by many requests.
type Gateway struct {
	settings  *config.Settings
	validator *gwauth.Validator
	aliases   rbac.Aliases
	client    *http.Client
	auditor   *audit.Emitter
}

// New builds a Gateway. validator may be nil only when settings.AuthActive()
// is false (auth-off deployments never touch the JWT path).
func New(settings *config.Settings, validator *gwauth.Validator, auditor *audit.Emitter) *Gateway {
	return &Gateway{
		settings:  settings,
		validator: validator,
		auditor:   auditor,
		aliases: rbac.Aliases{
			Viewer:      settings.RBACViewerAliases,
			Contributor: settings.RBACContributorAliases,
			Admin:       settings.RBACAdminAliases,
		},
		client: &http.Client{
			Timeout: settings.RequestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Router builds the chi mux: health surfaces plus a catch-all proxy route.
// It owns the request-id assignment itself (spec.md §4.5 step 1) rather
// than relying on the caller to wire middleware.WithRequestID, so every
// response out of this package — success or error — carries X-Request-ID.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.WithRequestID)
	r.Get("/healthz", g.handleHealthz)
	r.Get("/readyz", g.handleReadyz)
	r.HandleFunc("/*", g.handleProxy)
	return r
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := &requestState{requestID: middleware.RequestID(r.Context()), upstream: "policy"}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	g.finish(r.Context(), r, st, http.StatusOK, "")
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	st := &requestState{requestID: middleware.RequestID(r.Context())}
	probeURL := strings.TrimRight(g.settings.TargetBaseURL, "/") + "/"
	st.upstream = probeURL

	timeout := g.settings.RequestTimeout
	if timeout > 2*time.Second || timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	unavailable := func() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "Upstream MLflow is unavailable"})
		g.finish(r.Context(), r, st, http.StatusServiceUnavailable, "")
	}
	if err != nil {
		unavailable()
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		unavailable()
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		unavailable()
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	g.finish(r.Context(), r, st, http.StatusOK, "")
}

// requestState accumulates the per-request facts the audit emitter needs:
// request id, resolved tenant and subject, and the upstream label. Method,
// path, headers and body are read directly off the *http.Request.
type requestState struct {
	requestID string
	tenant    *string
	subject   *string
	upstream  string
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	st := &requestState{requestID: middleware.RequestID(r.Context()), upstream: "policy"}

	defer func() {
		if rec := recover(); rec != nil {
			apiErr := apierror.Internal(fmt.Errorf("panic: %v", rec))
			g.writeError(w, r, st, apiErr)
		}
	}()

	tenant, subject, apiErr := g.authenticate(r, st)
	if apiErr != nil {
		g.writeError(w, r, st, apiErr)
		return
	}
	st.tenant = strPtr(tenant)
	st.subject = subject

	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeError(w, r, st, apierror.Internal(err))
		return
	}

	kind := mlflowroute.Classify(r.URL.Path)

	body, apiErr = g.rewriteBody(kind, body, tenant)
	if apiErr != nil {
		g.writeError(w, r, st, apiErr)
		return
	}

	upstreamURL := g.upstreamURL(r.URL.Path)
	st.upstream = upstreamURL
	forwardHeaders := g.filterRequestHeaders(r.Header)

	ctx := r.Context()

	if mlflowroute.IsMutation(kind) {
		allowed, apiErr := g.preflightMutation(ctx, r, kind, body, forwardHeaders, tenant)
		if apiErr != nil {
			g.writeError(w, r, st, apiErr)
			return
		}
		if !allowed {
			g.writeError(w, r, st, apierror.New(http.StatusForbidden, "Resource is not accessible for tenant"))
			return
		}
	}

	status, headers, respBody, apiErr := g.forward(ctx, r.Method, upstreamURL, r.URL.RawQuery, body, forwardHeaders)
	if apiErr != nil {
		g.writeError(w, r, st, apiErr)
		return
	}

	if mlflowroute.RequiresPreflight(kind) && !mlflowroute.IsMutation(kind) && status == http.StatusOK {
		resourceTenant, ok := g.extractResponseTenant(respBody, kind)
		if !ok || resourceTenant != tenant {
			g.writeError(w, r, st, apierror.New(http.StatusForbidden, "Resource is not accessible for tenant"))
			return
		}
	}

	for k, vs := range filterResponseHeaders(headers) {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	reason := ""
	if status >= http.StatusInternalServerError {
		reason = "upstream_server_error"
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
	g.finish(ctx, r, st, status, reason)
}

// authenticate implements spec.md §4.5 step 2.
func (g *Gateway) authenticate(r *http.Request, st *requestState) (tenant string, subject *string, apiErr *apierror.Error) {
	if g.settings.AuthActive() {
		if r.Header.Get("X-Tenant") != "" {
			st.upstream = "auth"
			return "", nil, apierror.New(http.StatusBadRequest, "X-Tenant header is not allowed when AUTH_MODE=oidc")
		}

		token, err := gwauth.ExtractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			st.upstream = "auth"
			return "", nil, apierror.New(http.StatusUnauthorized, err.Error())
		}

		claims, err := g.validator.Validate(r.Context(), token)
		if err != nil {
			st.upstream = "auth"
			return "", nil, apierror.New(http.StatusUnauthorized, err.Error())
		}

		tenant, err = claims.Tenant(g.settings.TenantClaim)
		if err != nil {
			st.upstream = "auth"
			return "", nil, apierror.New(http.StatusUnauthorized, err.Error())
		}
		st.tenant = strPtr(tenant)

		var sub *string
		if s := claims.Subject(); s != "" {
			sub = strPtr(s)
		}
		st.subject = sub

		kind := mlflowroute.Classify(r.URL.Path)
		if err := rbac.Enforce(kind, g.settings.RBACDefaultDeny, map[string]any(claims), g.settings.RoleClaim, g.aliases); err != nil {
			st.upstream = "policy"
			return "", nil, apierror.New(http.StatusForbidden, err.Error())
		}

		return tenant, sub, nil
	}

	if r.Header.Get("Authorization") != "" {
		log.Warn().Str("request_id", st.requestID).Msg("Authorization header ignored because AUTH_MODE=off")
	}

	tenant = strings.TrimSpace(r.Header.Get("X-Tenant"))
	if tenant == "" {
		st.upstream = "policy"
		return "", nil, apierror.New(http.StatusBadRequest, "Missing X-Tenant header")
	}
	if s := strings.TrimSpace(r.Header.Get("X-Subject")); s != "" {
		subject = strPtr(s)
	}
	return tenant, subject, nil
}

// rewriteBody implements spec.md §4.4's create/search rewrites.
func (g *Gateway) rewriteBody(kind mlflowroute.Kind, body []byte, tenant string) ([]byte, *apierror.Error) {
	switch kind {
	case mlflowroute.RunsCreate, mlflowroute.RegisteredModelCreate, mlflowroute.ModelVersionCreate:
		payload, apiErr := decodeJSONObject(body)
		if apiErr != nil {
			return nil, apiErr
		}
		if err := tenantpolicy.EnsureTagForCreate(payload, tenant, g.settings.TenantTagKey); err != nil {
			if _, ok := err.(*tenantpolicy.ConflictError); ok {
				return nil, apierror.New(http.StatusForbidden, err.Error())
			}
			return nil, apierror.New(http.StatusBadRequest, err.Error())
		}
		return encodeJSON(payload)
	case mlflowroute.RunsSearch:
		return g.rewriteSearch(body, tenant, "filter")
	case mlflowroute.RegisteredModelsSearch:
		return g.rewriteSearch(body, tenant, "filter_string")
	default:
		return body, nil
	}
}

func (g *Gateway) rewriteSearch(body []byte, tenant, field string) ([]byte, *apierror.Error) {
	payload, apiErr := decodeJSONObject(body)
	if apiErr != nil {
		return nil, apiErr
	}
	if err := tenantpolicy.EnsureFilterForSearch(payload, field, tenant, g.settings.TenantTagKey); err != nil {
		return nil, apierror.New(http.StatusBadRequest, err.Error())
	}
	return encodeJSON(payload)
}

func decodeJSONObject(body []byte) (map[string]any, *apierror.Error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apierror.New(http.StatusBadRequest, "Invalid JSON payload")
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, apierror.New(http.StatusBadRequest, "JSON payload must be an object")
	}
	return obj, nil
}

func encodeJSON(payload map[string]any) ([]byte, *apierror.Error) {
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, apierror.Internal(err)
	}
	return out, nil
}

// preflightMutation implements spec.md §4.4's "Preflight ownership check on
// Mutation kinds": a synchronous GET-equivalent call, same method/body/
// headers/query as the real mutation, against the resource's get endpoint.
func (g *Gateway) preflightMutation(ctx context.Context, r *http.Request, kind mlflowroute.Kind, body []byte, headers http.Header, tenant string) (bool, *apierror.Error) {
	getSuffix, ok := mlflowroute.GetEquivalent(kind)
	if !ok {
		return false, apierror.Internal(fmt.Errorf("gateway: no get-equivalent for kind %s", kind))
	}
	prefix, ok := mlflowroute.APIVersionPrefix(r.URL.Path)
	if !ok {
		return false, apierror.Internal(fmt.Errorf("gateway: no api version prefix for path %q", r.URL.Path))
	}
	preflightURL := g.upstreamURL(prefix + getSuffix)

	status, _, respBody, apiErr := g.forward(ctx, r.Method, preflightURL, r.URL.RawQuery, body, headers)
	if apiErr != nil {
		return false, apiErr
	}
	if status != http.StatusOK {
		return false, nil
	}

	getKind, ok := getKindFor(kind)
	if !ok {
		return false, apierror.Internal(fmt.Errorf("gateway: no get kind for mutation kind %s", kind))
	}
	resourceTenant, ok := g.extractResponseTenant(respBody, getKind)
	return ok && resourceTenant == tenant, nil
}

func getKindFor(mutation mlflowroute.Kind) (mlflowroute.Kind, bool) {
	switch mutation {
	case mlflowroute.RunsMutation:
		return mlflowroute.RunsGet, true
	case mlflowroute.RegisteredModelMutation:
		return mlflowroute.RegisteredModelGet, true
	case mlflowroute.ModelVersionMutation:
		return mlflowroute.ModelVersionGet, true
	default:
		return "", false
	}
}

func (g *Gateway) extractResponseTenant(body []byte, kind mlflowroute.Kind) (string, bool) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false
	}
	return tenantpolicy.ExtractTenantTag(payload, kind, g.settings.TenantTagKey)
}

// forward issues a single bounded HTTP call to url, returning the upstream
// status, response headers, and fully-buffered response body.
func (g *Gateway) forward(ctx context.Context, method, targetURL, rawQuery string, body []byte, headers http.Header) (int, http.Header, []byte, *apierror.Error) {
	ctx, cancel := context.WithTimeout(ctx, g.settings.RequestTimeout)
	defer cancel()

	full := targetURL
	if rawQuery != "" {
		full += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, full, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, apierror.Internal(err)
	}
	req.Header = headers.Clone()

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, nil, apierror.New(http.StatusBadGateway, "Upstream request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, apierror.New(http.StatusBadGateway, "Upstream request failed")
	}

	return resp.StatusCode, resp.Header, respBody, nil
}

// upstreamURL joins the configured base with the request's path suffix, per
// spec.md §4.5 step 4.
func (g *Gateway) upstreamURL(path string) string {
	base := strings.TrimRight(g.settings.TargetBaseURL, "/")
	return base + path
}

// filterRequestHeaders drops the headers the gateway consumes rather than
// forwards: Host, Content-Length, X-Tenant/X-Subject, and Authorization when
// auth is off (spec.md §6).
func (g *Gateway) filterRequestHeaders(in http.Header) http.Header {
	out := in.Clone()
	out.Del("Host")
	out.Del("Content-Length")
	out.Del("X-Tenant")
	out.Del("X-Subject")
	if !g.settings.AuthActive() {
		out.Del("Authorization")
	}
	return out
}

var hopByHopResponseHeaders = map[string]struct{}{
	"content-encoding":  {},
	"transfer-encoding": {},
	"connection":        {},
	"content-length":    {},
}

func filterResponseHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		if _, excluded := hopByHopResponseHeaders[strings.ToLower(k)]; excluded {
			continue
		}
		out[k] = vs
	}
	return out
}

// finish emits exactly one audit event for the terminated request.
func (g *Gateway) finish(ctx context.Context, r *http.Request, st *requestState, status int, reason string) {
	g.auditor.Emit(ctx, audit.Event{
		RequestID:  st.requestID,
		Tenant:     st.tenant,
		Subject:    st.subject,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		Upstream:   st.upstream,
		Reason:     reason,
	})
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, st *requestState, err *apierror.Error) {
	apierror.Write(w, st.requestID, err)
	reason := err.Reason
	if reason == "" && err.Status >= http.StatusBadRequest {
		reason = err.Detail
	}
	g.finish(r.Context(), r, st, err.Status, reason)
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func strPtr(s string) *string { return &s }
