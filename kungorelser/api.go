package kungorelser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/isakskogstad/LoopDesk-sub005/audit"
	"github.com/isakskogstad/LoopDesk-sub005/kit"
	"github.com/isakskogstad/LoopDesk-sub005/observability"
	"github.com/isakskogstad/LoopDesk-sub005/shield"
)

// Handler returns the HTTP API: /health, /api/kungorelser/... and the MCP
// streamable endpoint at /mcp.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(shield.APIStack(s.logger)...)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"runtime": observability.CollectRuntimeMetrics(),
		})
	})

	r.Route("/api/kungorelser", s.Routes)

	mcpSrv := s.MCPServer()
	r.With(s.adminAuth()).Handle("/mcp", mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	return r
}

// Routes registers the API on r. Everything except the cron tick needs the
// admin credentials; the cron tick needs the cron secret.
func (s *Service) Routes(r chi.Router) {
	r.With(shield.BearerToken(s.cfg.Auth.CronSecret), s.auditHTTP("kungorelser_cron")).Post("/cron", s.handleCron)

	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth())

		r.Get("/", s.handleList)
		r.Get("/types", s.handleTypes)
		r.Get("/stats", s.handleStats)
		r.Get("/runs", s.handleRuns)
		r.Get("/audit", s.handleAudit)
		r.Get("/announcements/{externalID}", s.handleGet)
		r.Get("/org/{orgNumber}", s.handleCompany)
		r.Post("/search", s.handleSearch)
		r.Get("/stream", s.handleStream)

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", s.handleScheduleState)
			r.With(s.auditHTTP("kungorelser_update_schedule")).Put("/", s.handleUpdateSchedule)
			r.Get("/limits", s.handleLimits)
			r.With(s.auditHTTP("kungorelser_run_now")).Post("/run-now", s.handleRunNow)
			r.With(s.auditHTTP("kungorelser_stop")).Post("/stop", s.handleStop)
		})

		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.handleProxies)
			r.With(s.auditHTTP("kungorelser_refresh_proxies")).Post("/refresh", s.handleRefreshProxies)
		})

		r.Route("/watch", func(r chi.Router) {
			r.Get("/", s.handleWatched)
			r.With(s.auditHTTP("kungorelser_watch")).Post("/", s.handleWatch)
			r.With(s.auditHTTP("kungorelser_watch")).Delete("/{orgNumber}", s.handleUnwatch)
		})
	})
}

func (s *Service) adminAuth() func(http.Handler) http.Handler {
	return shield.BasicAuth("kungorelser", s.cfg.Auth.AdminUser, s.cfg.Auth.AdminPasswordHash)
}

// --- reads ---

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{
		Query:     q.Get("query"),
		OrgNumber: firstNonEmpty(q.Get("org_number"), q.Get("orgNumber")),
		Type:      q.Get("type"),
		Cursor:    q.Get("cursor"),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.From, err = queryDate(r, "from"); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.To, err = queryDate(r, "to"); err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.ListAnnouncements(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.Get(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Service) handleTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.Types(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	runs, err := s.Runs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.AuditLog(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Service) handleCompany(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	c, err := s.CompanyAnnouncements(r.Context(), chi.URLParam(r, "orgNumber"), refresh)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.Search(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- schedule ---

func (s *Service) handleScheduleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.ScheduleState(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var u ConfigUpdate
	if err := decodeBody(r, &u, false); err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := s.UpdateSchedule(r.Context(), u)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Service) handleLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Limits())
}

func (s *Service) handleRunNow(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	req.Trigger = ""
	rs, err := s.RunNow(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rs)
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	rs, err := s.Stop(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rs)
}

func (s *Service) handleCron(w http.ResponseWriter, r *http.Request) {
	started, err := s.Tick(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

// --- proxies ---

func (s *Service) handleProxies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ProxyStatus())
}

func (s *Service) handleRefreshProxies(w http.ResponseWriter, r *http.Request) {
	st, err := s.RefreshProxies(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- watch list ---

type watchRequest struct {
	OrgNumber string `json:"org_number"`
	Name      string `json:"name,omitempty"`
}

func (s *Service) handleWatched(w http.ResponseWriter, r *http.Request) {
	list, err := s.Watched(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": list})
}

func (s *Service) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	wc, err := s.Watch(r.Context(), req.OrgNumber, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wc)
}

func (s *Service) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if err := s.Unwatch(r.Context(), chi.URLParam(r, "orgNumber")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

// auditHTTP records the request as action. A 4xx or 5xx response is an
// error entry carrying the status text.
func (s *Service) auditHTTP(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			ep := audit.Middleware(s.audit, action)(func(ctx context.Context, _ any) (any, error) {
				next.ServeHTTP(sw, r.WithContext(ctx))
				if sw.code >= http.StatusBadRequest {
					return nil, fmt.Errorf("%d %s", sw.code, http.StatusText(sw.code))
				}
				return nil, nil
			})
			ep(kit.WithTransport(r.Context(), kit.TransportHTTP), map[string]string{"method": r.Method, "path": r.URL.Path})
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("kungorelser: request failed", "status", code, "error", err)
	}
	writeError(w, code, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := map[string]string{"error": err.Error()}
	var ve *ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	writeJSON(w, code, body)
}

// decodeBody reads one JSON object. Unknown fields are rejected.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return invalid("body", "larger than %d bytes", tooBig.Limit)
		}
		return invalid("body", "%v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalid(key, "%q is not a number", v)
	}
	return n, nil
}

// queryDate accepts YYYY-MM-DD or unix milliseconds. Publication dates
// are stored at UTC midnight, so a bare date bound is inclusive.
func queryDate(r *http.Request, key string) (int64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return 0, invalid(key, "%q is not YYYY-MM-DD", v)
	}
	return t.UnixMilli(), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
