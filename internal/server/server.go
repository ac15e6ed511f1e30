package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"lease_conflict"`
	Message string         `json:"message" example:"task lease held by another worker"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"cursor\":\"abc\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// runTracker remembers which sessions and tasks this process is already
// working on, so a second write cannot start a duplicate background run.
type runTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: map[string]struct{}{}}
}

func (rt *runTracker) begin(key string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, busy := rt.active[key]; busy {
		return false
	}
	rt.active[key] = struct{}{}
	return true
}

func (rt *runTracker) end(key string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.active, key)
}

// New returns an HTTP handler exposing the Fixline API. Writes answer 202
// and run in the background; clients poll the read endpoints.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fixline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	runs := newRunTracker()
	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine, runs)
	registerTasks(group, cfg.Engine, runs)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.Enabled())

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrLeaseHeld):
		return newAPIError(http.StatusConflict, "lease_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionActive):
		return newAPIError(http.StatusConflict, "session_active", err.Error(), nil)
	case errors.Is(err, engine.ErrSessionDone):
		return newAPIError(http.StatusConflict, "session_done", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authEnabled bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if authEnabled {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fixline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; when the server runs with a JWT secret.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// startProcessing kicks off a detached ProcessAll run for the session.
// The request context is long gone by the time the run ends, so it gets
// its own lifetime.
func startProcessing(e engine.Engine, runs *runTracker, sessionID string) huma.StatusError {
	key := "session:" + sessionID
	if !runs.begin(key) {
		return newAPIError(http.StatusConflict, "conflict", fmt.Sprintf("session %s is already being processed", sessionID), nil)
	}
	go func() {
		defer runs.end(key)
		sum, err := e.ProcessAll(context.Background(), sessionID)
		if err != nil {
			e.Logger.Error("background processing failed", "session", sessionID, "error", err)
			return
		}
		e.Logger.Info("background processing finished",
			"session", sessionID, "settled", sum.Settled, "verified", sum.Verified, "prs", sum.PRsCreated)
	}()
	return nil
}

func registerSessions(api huma.API, e engine.Engine, runs *runTracker) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a remediation session",
		Description:   "Validates the findings, records the session and begins processing in the background.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		opts := engine.StartOptions{
			RepoOwner:  input.Body.RepoOwner,
			RepoName:   input.Body.RepoName,
			RepoURL:    input.Body.RepoURL,
			Publish:    input.Body.Publish,
			MaxTasks:   input.Body.MaxTasks,
			TotalFiles: input.Body.TotalFiles,
		}
		for _, f := range input.Body.Findings {
			opts.Findings = append(opts.Findings, findingFromRequest(f))
		}
		s, err := e.StartSession(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		e.Logger.Info("session accepted", "session", s.ID, "actor", actorID(ctx))
		if serr := startProcessing(e, runs, s.ID); serr != nil {
			return nil, serr
		}
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{SessionID: s.ID, Status: "accepted"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,running,completed,failed"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedSessions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorStarted, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListSessions(ctx, repo.SessionFilters{
			Status:          input.Status,
			Limit:           limit + 1,
			CursorStartedAt: cursorStarted,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedSessions{Items: []SessionResponse{}}
		if len(items) > limit {
			// Cursor points at the last row served; the filter resumes
			// strictly after it.
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].StartedAt, items[limit-1].ID)
		}
		resp.Items = mapSessions(items)
		return &struct {
			Body paginatedSessions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Session status report",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionStatusResponse `json:"body"`
	}, error) {
		report, err := e.SessionStatus(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionStatusResponse `json:"body"`
		}{Body: sessionStatusResponse(report)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-session-tasks",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/tasks",
		Summary:     "List session tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Status    string `query:"status" enum:"detected,test_generated,test_confirmed,fix_generated,fix_verified,pr_created,false_positive,exhausted"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, err := e.Repo.GetSession(ctx, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			SessionID:       input.SessionID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskSummaryResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
		}
		resp.Items = mapTaskSummaries(items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resume-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/resume",
		Summary:       "Resume an interrupted session",
		Description:   "Returns the session to pending and restarts background processing. Resuming a completed session is a no-op.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		s, err := e.Resume(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.Status != "completed" {
			if err := startProcessing(e, runs, s.ID); err != nil {
				return nil, err
			}
		}
		e.Logger.Info("session resume accepted", "session", s.ID, "actor", actorID(ctx))
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{SessionID: s.ID, Status: s.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "process-session",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/process",
		Summary:       "Process session tasks",
		Description:   "Runs every open task through the pipeline in the background.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string                 `path:"session_id"`
		Body      *ProcessSessionRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		switch {
		case s.Status == "completed":
			return nil, handleError(engine.ErrSessionDone)
		case s.Status == "running" && !e.StuckSession(s):
			return nil, handleError(engine.ErrSessionActive)
		}
		if input.Body != nil && input.Body.Publish != nil {
			if err := e.SetSessionPublish(ctx, s.ID, *input.Body.Publish); err != nil {
				return nil, handleError(err)
			}
		}
		e.Logger.Info("session processing accepted", "session", s.ID, "actor", actorID(ctx))
		if serr := startProcessing(e, runs, s.ID); serr != nil {
			return nil, serr
		}
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{SessionID: s.ID, Status: "accepted"}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine, runs *runTracker) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Description: "Full detail including generated test, fix and diagnostics.",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-events",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/events",
		Summary:     "Task transition log",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTaskEvents(ctx, input.TaskID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: mapEvents(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "verify-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/verify",
		Summary:       "Verify a generated fix",
		Description:   "Runs the proof test against the fix in the background, publishing on success when asked.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   *VerifyTaskRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		publish := false
		if input.Body != nil {
			publish = input.Body.Publish
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if !engine.CanVerify(t, publish) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("task %s has nothing to verify (status %s)", t.ID, t.Status), nil)
		}
		key := "task:" + t.ID
		if !runs.begin(key) {
			return nil, newAPIError(http.StatusConflict, "conflict", fmt.Sprintf("task %s is already being verified", t.ID), nil)
		}
		e.Logger.Info("task verify accepted", "task", t.ID, "publish", publish, "actor", actorID(ctx))
		go func() {
			defer runs.end(key)
			if _, err := e.VerifyTask(context.Background(), t.ID, publish); err != nil {
				e.Logger.Error("background verify failed", "task", t.ID, "error", err)
			}
		}()
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{TaskID: t.ID, Status: "accepted"}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the transition log",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		TaskID    string `query:"task_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.SessionID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: mapEvents(items)}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

// parseCompositeCursor splits a "timestamp|id" cursor. Both halves are
// required when a cursor is present.
func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	return ts + "|" + id
}

func mapSessions(items []domain.Session) []SessionResponse {
	res := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		res = append(res, sessionResponse(s))
	}
	return res
}

func mapTaskSummaries(items []domain.Task) []TaskSummaryResponse {
	res := make([]TaskSummaryResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskSummaryResponse(t))
	}
	return res
}

func mapEvents(items []domain.TaskEvent) []TaskEventResponse {
	res := make([]TaskEventResponse, 0, len(items))
	for _, ev := range items {
		res = append(res, eventResponse(ev))
	}
	return res
}
