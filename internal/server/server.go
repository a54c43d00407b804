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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"turnline/internal/engine"
	"turnline/internal/kpi"
	"turnline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"work order not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Turnline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors surface as 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Turnline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTurnovers(group, cfg.Engine)
	registerWorkOrders(group, cfg.Engine)
	registerKPI(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrAlreadyCompleted) {
		return newAPIError(http.StatusConflict, "already_completed", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvariant) {
		return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown scenario"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "invalid"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Turnline API Docs</title>
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

func registerTurnovers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "move-out",
		Method:      http.MethodPost,
		Path:        "/turnovers/moveout",
		Summary:     "Start a turnover for a vacated property",
		Description: "Idempotent: a property with an in-progress turnover gets that turnover back unchanged.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body MoveOutRequest `json:"body"`
	}) (*struct {
		Body TurnoverResponse `json:"body"`
	}, error) {
		if input.Body.PropertyID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "property_id is required", nil)
		}
		t, err := e.StartTurnover(ctx, input.Body.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TurnoverResponse `json:"body"`
		}{Body: turnoverResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-turnovers",
		Method:      http.MethodGet,
		Path:        "/turnovers",
		Summary:     "List turnovers",
	}, func(ctx context.Context, input *struct {
		PropertyID string `query:"property_id"`
		Status     string `query:"status"`
	}) (*struct {
		Body []TurnoverResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTurnovers(ctx, repo.TurnoverFilters{
			PropertyID: input.PropertyID,
			Status:     input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TurnoverResponse `json:"body"`
		}{Body: mapTurnovers(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-turnover",
		Method:      http.MethodGet,
		Path:        "/turnovers/{turnover_id}",
		Summary:     "Get turnover",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TurnoverID string `path:"turnover_id"`
	}) (*struct {
		Body TurnoverResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTurnover(ctx, input.TurnoverID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TurnoverResponse `json:"body"`
		}{Body: turnoverResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "simulate-scenario",
		Method:      http.MethodPost,
		Path:        "/turnovers/simulate",
		Summary:     "Seed a pre-built historical scenario",
		Description: "scenario=bottleneck seeds a sequential 60h cycle; scenario=optimized seeds a parallel 26h cycle.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SimulateRequest `json:"body"`
	}) (*struct {
		Body TurnoverResponse `json:"body"`
	}, error) {
		t, err := e.SeedScenario(ctx, input.Body.Scenario)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TurnoverResponse `json:"body"`
		}{Body: turnoverResponse(t)}, nil
	})
}

func registerWorkOrders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/turnovers/{turnover_id}/workorders",
		Summary:     "List a turnover's work orders",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TurnoverID string `path:"turnover_id"`
	}) (*struct {
		Body []WorkOrderResponse `json:"body"`
	}, error) {
		orders, err := e.ListWorkOrders(ctx, input.TurnoverID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkOrderResponse `json:"body"`
		}{Body: mapWorkOrders(orders)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work-order",
		Method:      http.MethodPost,
		Path:        "/turnovers/{turnover_id}/workorders/{work_order_id}/complete",
		Summary:     "Complete a work order",
		Description: "Completing the gate order unlocks the parallel orders; completing the last order completes the turnover.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TurnoverID  string `path:"turnover_id"`
		WorkOrderID string `path:"work_order_id"`
	}) (*struct {
		Body WorkOrderResponse `json:"body"`
	}, error) {
		wo, err := e.Repo.GetWorkOrder(ctx, input.WorkOrderID)
		if err != nil {
			return nil, handleError(err)
		}
		if wo.TurnoverID != input.TurnoverID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "work order not in turnover", nil)
		}
		wo, err = e.CompleteWorkOrder(ctx, input.WorkOrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOrderResponse `json:"body"`
		}{Body: workOrderResponse(wo)}, nil
	})
}

func registerKPI(api huma.API, e *engine.Engine) {
	calc := kpi.Calculator{Config: e.Config, Now: e.Now}

	huma.Register(api, huma.Operation{
		OperationID: "turnover-kpi",
		Method:      http.MethodGet,
		Path:        "/turnovers/{turnover_id}/kpi",
		Summary:     "KPI report for one turnover",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TurnoverID string `path:"turnover_id"`
	}) (*struct {
		Body kpi.TurnoverReport `json:"body"`
	}, error) {
		t, err := e.Repo.GetTurnover(ctx, input.TurnoverID)
		if err != nil {
			return nil, handleError(err)
		}
		orders, err := e.Repo.ListWorkOrdersByTurnover(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := calc.Turnover(t, orders)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body kpi.TurnoverReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kpi-summary",
		Method:      http.MethodGet,
		Path:        "/turnovers/kpi/summary",
		Summary:     "Aggregate KPI summary over all turnovers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body kpi.Summary `json:"body"`
	}, error) {
		items, err := e.Repo.ListTurnovers(ctx, repo.TurnoverFilters{})
		if err != nil {
			return nil, handleError(err)
		}
		summary, err := calc.Summary(items)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body kpi.Summary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		TurnoverID string `query:"turnover_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.TurnoverID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
