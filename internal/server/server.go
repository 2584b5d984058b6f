package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"parity/internal/analysis"
	"parity/internal/domain"
	"parity/internal/engine"
	"parity/internal/logger"
	"parity/internal/metrics"
	"parity/internal/store"
)

const serviceName = "parity"

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	UIDir       string
	CORSOrigins []string
	Log         *zap.SugaredLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"invalid environments: target and baseline environments must differ"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"environments\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// errorEnvelope documents the error shape in the OpenAPI document.
type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

// New returns an HTTP handler exposing the parity API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logger.Component(cfg.Log, "http")
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	// Credentials only go to origins listed explicitly; the wildcard default stays anonymous.
	origins := cfg.CORSOrigins
	allowCredentials := len(origins) > 0 && !slices.Contains(origins, "*")
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: allowCredentials,
	}).Handler)

	hcfg := huma.DefaultConfig("Insurance Testing Platform API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerRoot(router, cfg.UIDir)
	registerHealth(api, "root-health")
	registerHealth(group, "health")
	registerUsers(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerTests(group, cfg.Engine)
	registerResults(group, cfg.Engine)
	registerAnalysis(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", metrics.Handler())
	registerUI(router, cfg.UIDir)

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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), map[string]any{"field": ve.Field})
	}
	if store.IsNotFound(err) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrClosed) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("request",
				logger.FieldMethod, r.Method,
				logger.FieldPath, r.URL.Path,
				logger.FieldStatus, ww.Status(),
				logger.FieldDurationMS, time.Since(start).Milliseconds(),
				logger.FieldRequestID, middleware.GetReqID(r.Context()))
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerRoot(r chi.Router, uiDir string) {
	if uiDir != "" {
		return
	}
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "Insurance Testing Platform API", "version": "1.0.0"})
	})
}

// registerUI serves the built frontend, falling back to index.html for client-side routes.
func registerUI(r chi.Router, uiDir string) {
	if uiDir == "" {
		return
	}
	files := http.FileServer(http.Dir(uiDir))
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		f, err := http.Dir(uiDir).Open(path.Clean(req.URL.Path))
		if err != nil {
			http.ServeFile(w, req, path.Join(uiDir, "index.html"))
			return
		}
		f.Close()
		files.ServeHTTP(w, req)
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
	schema := oas.Components.Schemas.Schema(reflect.TypeOf(errorEnvelope{}), true, "ApiError")
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
					"application/json": {Schema: schema},
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
    <title>Insurance Testing Platform API Docs</title>
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

func registerHealth(api huma.API, id string) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "healthy", Service: serviceName}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Create a user",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, existed, err := e.CreateUser(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		msg := "User created successfully"
		if existed {
			msg = "User already exists"
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: UserResponse{UserID: u.UserID, Name: u.Name, CreatedAt: u.CreatedAt, Message: msg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}",
		Summary:     "Get a user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := e.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-environments",
		Method:      http.MethodGet,
		Path:        "/config/environments",
		Summary:     "Environment configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.EnvironmentSet `json:"body"`
	}, error) {
		envs, err := e.Environments(ctx)
		if store.IsNotFound(err) {
			envs, err = e.Config.EnvironmentSet(), nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EnvironmentSet `json:"body"`
		}{Body: envs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-products",
		Method:      http.MethodGet,
		Path:        "/config/products",
		Summary:     "Product catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Catalog `json:"body"`
	}, error) {
		cat, err := e.Products(ctx)
		if store.IsNotFound(err) {
			cat, err = e.Config.Catalog, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Catalog `json:"body"`
		}{Body: cat}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan-keys",
		Method:      http.MethodGet,
		Path:        "/config/plan-keys",
		Summary:     "Flat list of plan keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.PlanKeys `json:"body"`
	}, error) {
		return &struct {
			Body engine.PlanKeys `json:"body"`
		}{Body: e.PlanKeys()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-config",
		Method:      http.MethodPost,
		Path:        "/config/reload",
		Summary:     "Reload stored configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReloadResponse `json:"body"`
	}, error) {
		if err := e.ReloadConfig(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReloadResponse `json:"body"`
		}{Body: ReloadResponse{
			Status:  "success",
			Message: "Configuration reloaded successfully",
			Plans:   len(e.PlanKeys().AllPlans),
		}}, nil
	})
}

func registerTests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-test",
		Method:        http.MethodPost,
		Path:          "/tests/start",
		Summary:       "Start a test run",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StartTestRequest `json:"body"`
	}) (*struct {
		Body StartTestResponse `json:"body"`
	}, error) {
		runID, err := e.StartRun(ctx, engine.StartRequest{
			OwnerID:     input.Body.UserID,
			TargetEnv:   input.Body.TargetEnv,
			BaselineEnv: input.Body.BaselineEnv,
			Scope:       input.Body.Scope,
			AIPrompt:    input.Body.AIPrompt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartTestResponse `json:"body"`
		}{Body: StartTestResponse{RunID: runID, Message: "Test started successfully with ID: " + runID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-test-status",
		Method:      http.MethodGet,
		Path:        "/tests/{run_id}/status",
		Summary:     "Poll run status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.StatusView `json:"body"`
	}, error) {
		st, err := e.GetStatus(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StatusView `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-test-events",
		Method:      http.MethodGet,
		Path:        "/tests/{run_id}/events",
		Summary:     "Run lifecycle events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunEventsResponse `json:"body"`
	}, error) {
		items, err := e.Events(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunEventsResponse `json:"body"`
		}{Body: RunEventsResponse{RunID: input.RunID, Items: items}}, nil
	})
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-test-result",
		Method:      http.MethodGet,
		Path:        "/results/{run_id}",
		Summary:     "Full stored result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.TestResult `json:"body"`
	}, error) {
		doc, err := e.GetResult(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TestResult `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-results",
		Method:      http.MethodGet,
		Path:        "/results/user/{user_id}",
		Summary:     "Most recent runs of a user",
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body UserRunsResponse `json:"body"`
	}, error) {
		runs, err := e.ListRunsForOwner(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserRunsResponse `json:"body"`
		}{Body: UserRunsResponse{UserID: input.UserID, Tests: runs, TotalTests: len(runs)}}, nil
	})
}

func registerAnalysis(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze-differences",
		Method:      http.MethodPost,
		Path:        "/ai/analyze-differences",
		Summary:     "Explain differences between two responses",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AnalyzeRequest `json:"body"`
	}) (*struct {
		Body analysis.Report `json:"body"`
	}, error) {
		report, err := e.Analyze(ctx, input.Body.Expected, input.Body.Actual, input.Body.CustomPrompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body analysis.Report `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analysis-usage",
		Method:      http.MethodGet,
		Path:        "/ai/usage-stats",
		Summary:     "Remote analysis usage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body analysis.Usage `json:"body"`
	}, error) {
		return &struct {
			Body analysis.Usage `json:"body"`
		}{Body: e.Analysis.Usage()}, nil
	})
}
