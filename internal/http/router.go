// Package httpx exposes the deployment API over HTTP: deploy
// submissions, project reads, build log ingest and history, live log
// streaming over websocket and SSE, and webhook-triggered redeploys.
package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Siuumanth/CodeBay/internal/repository"
	"github.com/Siuumanth/CodeBay/internal/service/deploy"
	"github.com/Siuumanth/CodeBay/internal/service/logs"
	"github.com/Siuumanth/CodeBay/internal/service/project"
	"github.com/Siuumanth/CodeBay/internal/service/webhook"
	"github.com/Siuumanth/CodeBay/internal/slug"
	"github.com/Siuumanth/CodeBay/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	deploy       *deploy.Service
	project      *project.Service
	logs         *logs.Service
	webhook      *webhook.Service
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	builderToken string
	dbHealth     func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault     = time.Minute
	rateWindowRealtime    = 30 * time.Second
	rateLimitDeploy       = 30
	rateLimitRead         = 120
	rateLimitWrite        = 60
	rateLimitRealtime     = 30
	rateLimitBuilderWrite = 600
	rateLimitWebhook      = 60
	healthCheckTimeout    = 2 * time.Second
	sseHeartbeatInterval  = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deploySvc *deploy.Service, projectSvc *project.Service, logSvc *logs.Service, webhookSvc *webhook.Service, hub *ws.Hub, limiter RateLimiter, builderToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		deploy:  deploySvc,
		project: projectSvc,
		logs:    logSvc,
		webhook: webhookSvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		builderToken: strings.TrimSpace(builderToken),
		dbHealth:     dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deploy", r.audit("deploy", r.withRateLimit("deploy", rateLimitDeploy, rateWindowDefault, rateLimitKeyIP, r.handleDeploy)))
	r.mux.HandleFunc("/deploy/", r.audit("deploy_history", r.withRateLimit("deploy_history", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleDeployHistory)))
	r.mux.HandleFunc("/deployments/", r.audit("deployment", r.withRateLimit("deployment", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleDeployment)))
	r.mux.HandleFunc("/projects", r.audit("projects", r.withRateLimit("projects", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("project", r.withRateLimit("project", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/logs", r.audit("logs_save", r.handleLogSave))
	r.mux.HandleFunc("/logs/", r.audit("logs", r.handleLogs))
	r.mux.HandleFunc("/ws/logs", r.audit("ws_logs", r.withRateLimit("ws_logs", rateLimitRealtime, rateWindowRealtime, rateLimitKeyIP, r.handleLogsWS)))
	r.mux.HandleFunc("/events/logs/", r.audit("sse_logs", r.withRateLimit("sse_logs", rateLimitRealtime, rateWindowRealtime, rateLimitKeyIP, r.handleLogsSSE)))
	r.mux.HandleFunc("/webhook/", r.audit("webhook", r.handleWebhook))
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload deploy.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.deploy.StartDeployment(req.Context(), payload)
	if err != nil {
		writeError(w, deployErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": deploy.StatusQueued,
		"data":   result,
	})
}

func deployErrorStatus(err error) int {
	switch {
	case errors.Is(err, deploy.ErrMissingRepoURL),
		errors.Is(err, deploy.ErrInvalidRepoURL),
		errors.Is(err, deploy.ErrInvalidSlug):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrSlugTaken):
		return http.StatusConflict
	case errors.Is(err, deploy.ErrSlugExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, deploy.ErrLaunchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleDeployHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	slugName := strings.TrimPrefix(req.URL.Path, "/deploy/")
	if slugName == "" || strings.Contains(slugName, "/") {
		r.notFound(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.deploy.History(req.Context(), slugName, limit)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentListJSON(deployments))
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	deployment, err := r.deploy.Deployment(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentJSON(*deployment))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	projects, err := r.project.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]projectJSON, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	slugName := strings.TrimPrefix(req.URL.Path, "/projects/")
	if slugName == "" || strings.Contains(slugName, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		overview, err := r.project.Get(req.Context(), slugName)
		if err != nil {
			r.writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projectOverviewJSON{
			projectJSON: toProjectJSON(overview.Project),
			LastStatus:  overview.LastStatus,
		})
	case http.MethodDelete:
		if err := r.project.Delete(req.Context(), slugName); err != nil {
			r.writeProjectError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) writeProjectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrInvalidSlug):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, project.ErrActiveDeployment):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleLogSave stores the full build log a worker accumulated, keyed
// by deployment id.
func (r *Router) handleLogSave(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyBuilderToken(w, req) {
		return
	}
	var payload struct {
		DeploymentID string `json:"deployment_id"`
		Log          string `json:"log"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.deploy.SaveLog(req.Context(), payload.DeploymentID, payload.Log); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stored"})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	slugName := strings.TrimPrefix(req.URL.Path, "/logs/")
	if slugName == "" || strings.Contains(slugName, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		decision := r.limiter.Allow(rateLimitKeyIP(req), rateLimitRead, rateWindowDefault)
		r.applyRateHeaders(w, rateLimitRead, decision)
		if !decision.allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		if offset < 0 {
			offset = 0
		}
		entries, err := r.logs.List(req.Context(), slugName, limit, offset)
		if err != nil {
			if errors.Is(err, logs.ErrInvalidSlug) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toBuildLogListJSON(entries))
	case http.MethodPost:
		if !r.verifyBuilderToken(w, req) {
			return
		}
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		r.ingestLine(w, req, slugName, payload.Message)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) ingestLine(w http.ResponseWriter, req *http.Request, slugName, message string) {
	decision := r.limiter.Allow("builder:"+slugName, rateLimitBuilderWrite, rateWindowDefault)
	r.applyRateHeaders(w, rateLimitBuilderWrite, decision)
	if !decision.allowed {
		r.recordRateLimitHit("logs_ingest", "builder")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if err := r.logs.Ingest(req.Context(), slugName, message); err != nil {
		switch {
		case errors.Is(err, logs.ErrInvalidSlug), errors.Is(err, logs.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// wsControl is the in-band message viewers send to follow more slugs on
// one connection.
type wsControl struct {
	Action string `json:"action"`
	Slug   string `json:"slug"`
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	slugName := req.URL.Query().Get("slug")
	if !slug.Valid(slugName) {
		writeError(w, http.StatusBadRequest, "slug query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Join(slugName, client)
	go func() {
		defer r.hub.Disconnect(client)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctl wsControl
			if err := json.Unmarshal(data, &ctl); err != nil || !slug.Valid(ctl.Slug) {
				continue
			}
			switch ctl.Action {
			case "subscribe":
				r.hub.Join(ctl.Slug, client)
			case "unsubscribe":
				r.hub.Leave(ctl.Slug, client)
			}
		}
	}()
}

func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	slugName := strings.TrimPrefix(req.URL.Path, "/events/logs/")
	if !slug.Valid(slugName) {
		writeError(w, http.StatusBadRequest, "invalid slug")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Join(slugName, client)
	defer r.hub.Disconnect(client)

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			// Write failure or queue overflow; the response writer is
			// about to become invalid, so stop here.
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/webhook/")
	if trimmed == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(trimmed, "/")
	slugName := parts[0]
	if slugName == "" {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "secret" {
		r.withRateLimit("webhook_secret", rateLimitWrite, rateWindowDefault, rateLimitKeyIP, func(w http.ResponseWriter, req *http.Request) {
			r.handleWebhookSecret(w, req, slugName)
		})(w, req)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	decision := r.limiter.Allow("webhook:"+slugName, rateLimitWebhook, rateWindowDefault)
	r.applyRateHeaders(w, rateLimitWebhook, decision)
	if !decision.allowed {
		r.recordRateLimitHit("webhook", "webhook")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	signature := req.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = req.Header.Get("X-Webhook-Signature")
	}
	result, err := r.webhook.HandlePush(req.Context(), slugName, body, signature)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, webhook.ErrNoSecret):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, webhook.ErrInvalidSlug):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			r.notFound(w)
		case errors.Is(err, deploy.ErrSlugTaken):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": deploy.StatusQueued, "data": result})
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request, slugName string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.webhook.UpsertSecret(req.Context(), slugName, payload.Secret); err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSlug), errors.Is(err, webhook.ErrMissingSecret):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrNotFound):
			r.notFound(w)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		actor := "viewer"
		if req.Header.Get("X-Builder-Token") != "" {
			actor = "builder"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyBuilderToken ensures worker writes include the configured
// shared secret.
func (r *Router) verifyBuilderToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.builderToken
	if expected == "" {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "builder authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
	if token == "" {
		token = strings.TrimSpace(req.URL.Query().Get("builder_token"))
	}
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid builder token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
