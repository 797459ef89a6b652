package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"athena/internal/app"
	"athena/internal/domain"
	"athena/internal/ooda"
	"athena/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App         *app.App
	BasePath    string
	CORSOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cycle_in_progress"`
	Message string         `json:"message" example:"ooda cycle already in progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"operation_id\":\"op-1\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Athena API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil || cfg.App.Controller == nil {
		return nil, errors.New("server: app with controller required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	a := cfg.App
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, requestLogger(a.Logger.Named("http")))
	hcfg := huma.DefaultConfig("Athena API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOperations(group, a)
	registerOODA(group, a)
	registerRecommendations(group, a)
	registerC5ISR(group, a)
	registerIntel(group, a)
	registerEngines(group, a)
	registerWebSocket(router, basePath, a)
	router.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	registerOpenAPI(router, api, basePath)

	if len(cfg.CORSOrigins) == 0 {
		return router, nil
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(router), nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
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
	case errors.Is(err, ooda.ErrCycleInProgress):
		return newAPIError(http.StatusConflict, "cycle_in_progress", err.Error(), nil)
	case errors.Is(err, ooda.ErrInvalidPhase):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"allowed": domain.Phases})
	case errors.Is(err, app.ErrNoAgentSource):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
						Schema: errSchema,
					},
				},
			}
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
    <title>Athena API Docs</title>
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

func registerOperations(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/operations",
		Summary:     "List operations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Operation `json:"body"`
	}, error) {
		items, err := a.Repo.ListOperations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Operation `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}",
		Summary:     "Get operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *operationPath) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		op, err := a.Repo.GetOperation(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/logs",
		Summary:     "Latest operation log entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID string `path:"operation_id"`
		Limit       int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.LogEntry `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		items, err := a.Repo.LatestLogEntries(ctx, input.OperationID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LogEntry `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-agents",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/agents/sync",
		Summary:     "Sync agents from the primary engine",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *operationPath) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		agents, err := a.SyncAgents(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: nonNil(agents)}, nil
	})
}

func registerOODA(api huma.API, a *app.App) {
	c := a.Controller
	huma.Register(api, huma.Operation{
		OperationID: "trigger-ooda",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/ooda/trigger",
		Summary:     "Run one full OODA cycle",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *operationPath) (*struct {
		Body domain.Iteration `json:"body"`
	}, error) {
		it, err := c.TriggerCycle(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Iteration `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-ooda",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/ooda/current",
		Summary:     "Latest OODA iteration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *operationPath) (*struct {
		Body domain.Iteration `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		it, err := c.Current(ctx, input.OperationID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "no_iteration", "operation has no ooda iteration yet", map[string]any{"operation_id": input.OperationID})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Iteration `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ooda-history",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/ooda/history",
		Summary:     "All OODA iterations, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *operationPath) (*struct {
		Body []domain.Iteration `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		items, err := c.History(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Iteration `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ooda-timeline",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/ooda/timeline",
		Summary:     "Phase summaries flattened into a timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *operationPath) (*struct {
		Body []ooda.TimelineEntry `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		items, err := c.Timeline(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ooda.TimelineEntry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-ooda-phase",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/ooda/phase",
		Summary:     "Commander override of the current phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID string              `path:"operation_id"`
		Body        AdvancePhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if err := c.AdvancePhase(ctx, input.OperationID, input.Body.Phase); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: PhaseResponse{OperationID: input.OperationID, Phase: input.Body.Phase}}, nil
	})
}

func registerRecommendations(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "latest-recommendation",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/recommendations/latest",
		Summary:     "Latest orient recommendation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *operationPath) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		rec, err := a.Repo.LatestRecommendation(ctx, input.OperationID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "no_recommendation", "operation has no recommendation yet", map[string]any{"operation_id": input.OperationID})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-recommendation",
		Method:      http.MethodPost,
		Path:        "/operations/{operation_id}/recommendations/{recommendation_id}/accept",
		Summary:     "Accept a recommendation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID      string `path:"operation_id"`
		RecommendationID string `path:"recommendation_id"`
	}) (*struct {
		Body domain.Recommendation `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		if err := a.Repo.AcceptRecommendation(ctx, input.OperationID, input.RecommendationID); err != nil {
			return nil, handleError(fmt.Errorf("recommendation %s: %w", input.RecommendationID, err))
		}
		rec, err := a.Repo.GetRecommendation(ctx, input.RecommendationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Recommendation `json:"body"`
		}{Body: rec}, nil
	})
}

func registerC5ISR(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-c5isr",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/c5isr",
		Summary:     "C5ISR domain health",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *operationPath) (*struct {
		Body []domain.DomainHealth `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		items, err := a.Repo.ListDomainHealth(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DomainHealth `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func registerIntel(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-facts",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/facts",
		Summary:     "Collected intelligence, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID string `path:"operation_id"`
		Limit       int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Fact `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		items, err := a.Repo.ListFacts(ctx, input.OperationID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Fact `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/operations/{operation_id}/executions",
		Summary:     "Technique executions, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperationID string `path:"operation_id"`
		Status      string `query:"status" doc:"queued, running, success or failed; empty for all"`
		Limit       int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Execution `json:"body"`
	}, error) {
		if err := ensureOperation(ctx, a, input.OperationID); err != nil {
			return nil, err
		}
		items, err := a.Repo.ListExecutions(ctx, input.OperationID, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Execution `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func registerEngines(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-engines",
		Method:      http.MethodGet,
		Path:        "/engines",
		Summary:     "Engine availability",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []app.EngineStatus `json:"body"`
	}, error) {
		return &struct {
			Body []app.EngineStatus `json:"body"`
		}{Body: a.Engines(ctx)}, nil
	})
}

// registerWebSocket mounts the event stream outside huma; the upgrade is not
// an OpenAPI operation.
func registerWebSocket(r chi.Router, basePath string, a *app.App) {
	r.Get(path.Join(basePath, "ws/{operation_id}"), func(w http.ResponseWriter, req *http.Request) {
		opID := chi.URLParam(req, "operation_id")
		if _, err := a.Repo.GetOperation(req.Context(), opID); err != nil {
			se := handleError(err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(se.GetStatus())
			_ = json.NewEncoder(w).Encode(se)
			return
		}
		a.Hub.ServeWS(w, req, opID)
	})
}

func ensureOperation(ctx context.Context, a *app.App, operationID string) error {
	if _, err := a.Repo.GetOperation(ctx, operationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return newAPIError(http.StatusNotFound, "not_found", "operation not found", map[string]any{"operation_id": operationID})
		}
		return handleError(err)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
