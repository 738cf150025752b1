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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"rerouteline/internal/config"
	"rerouteline/internal/domain"
	"rerouteline/internal/engine"
	"rerouteline/internal/engine/auth"
)

// Config for the HTTP API handler.
type Config struct {
	// Nodes are the warehouse engines served by this process, by warehouse id.
	Nodes    map[string]engine.Engine
	Registry *config.Config
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"reroute r-1: cannot start_transit from pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"pending\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type api struct {
	nodes    map[string]engine.Engine
	registry *config.Config
	auth     AuthConfig
	logger   zerolog.Logger
}

// New returns an HTTP handler exposing the Rerouteline API.
func New(cfg Config) (http.Handler, error) {
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("no warehouse nodes to serve")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = config.DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	a := &api{nodes: cfg.Nodes, registry: cfg.Registry, auth: cfg.Auth, logger: cfg.Logger}
	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Rerouteline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	a.registerWarehouses(group)
	a.registerReroutes(group)
	a.registerNotifications(group)
	a.registerReplica(group)
	if cfg.Auth.DevTokens {
		a.registerDevAuth(group)
	}
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
				Int("status", rec.status).Dur("elapsed", time.Since(start)).Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "unauthorized_warehouse", err.Error(), map[string]any{
			"action": ue.Action, "acting": ue.Acting, "required": ue.Required,
		})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": te.From, "action": te.Action,
		})
	}
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "unauthorized_warehouse", err.Error(), nil)
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidQuantity):
		return newAPIError(http.StatusBadRequest, "invalid_quantity", err.Error(), nil)
	case errors.Is(err, engine.ErrSameWarehouse):
		return newAPIError(http.StatusBadRequest, "same_warehouse", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownWarehouse):
		return newAPIError(http.StatusBadRequest, "unknown_warehouse", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, domain.ErrMalformed):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// node resolves the engine serving warehouse.
func (a *api) node(warehouse string) (engine.Engine, error) {
	if a.registry != nil && !a.registry.Known(warehouse) {
		return engine.Engine{}, fmt.Errorf("%w: %q", engine.ErrUnknownWarehouse, warehouse)
	}
	e, ok := a.nodes[warehouse]
	if !ok {
		return engine.Engine{}, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("warehouse %s is not served here", warehouse), nil)
	}
	return e, nil
}

// self resolves the node and requires the caller to act as it.
func (a *api) self(ctx context.Context, warehouse string) (engine.Engine, string, error) {
	acting, authErr := actingWarehouse(ctx)
	if authErr != nil {
		return engine.Engine{}, "", authErr
	}
	e, err := a.node(warehouse)
	if err != nil {
		return engine.Engine{}, "", err
	}
	if acting != warehouse {
		return engine.Engine{}, "", newAPIError(http.StatusForbidden, "unauthorized_warehouse",
			fmt.Sprintf("%s cannot act on behalf of %s", acting, warehouse), map[string]any{"acting": acting, "required": warehouse})
	}
	return e, acting, nil
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
	oas.Components.SecuritySchemes["warehouseHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Warehouse-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"warehouseHeader": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Rerouteline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Warehouse-Id.
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

func (a *api) registerWarehouses(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-warehouses",
		Method:      http.MethodGet,
		Path:        "/warehouses",
		Summary:     "List registered warehouses",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WarehouseList `json:"body"`
	}, error) {
		resp := WarehouseList{Items: []WarehouseResponse{}}
		if a.registry != nil {
			for _, w := range a.registry.Warehouses {
				_, hosted := a.nodes[w.ID]
				resp.Items = append(resp.Items, WarehouseResponse{ID: w.ID, Name: w.Name, Hosted: hosted})
			}
		}
		return &struct {
			Body WarehouseList `json:"body"`
		}{Body: resp}, nil
	})
}

type rerouteOutput struct {
	Body domain.Reroute `json:"body"`
}

type rerouteInput struct {
	Warehouse string `path:"warehouse"`
	ID        string `path:"id"`
}

func (a *api) registerReroutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reroute",
		Method:        http.MethodPost,
		Path:          "/warehouses/{warehouse}/reroutes",
		Summary:       "Propose a reroute from this warehouse",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Warehouse string `path:"warehouse"`
		Body      CreateRerouteRequest
	}) (*rerouteOutput, error) {
		e, _, err := a.self(ctx, input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		from := strings.TrimSpace(input.Body.From)
		if from == "" {
			from = input.Warehouse
		}
		r, err := e.CreateReroute(ctx, engine.CreateOptions{
			ProductID:   input.Body.ProductID,
			ProductName: input.Body.ProductName,
			From:        from,
			To:          strings.TrimSpace(input.Body.To),
			Quantity:    input.Body.Quantity,
			Reason:      input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &rerouteOutput{Body: r}, nil
	})

	actions := []struct {
		verb, summary string
		run           func(e engine.Engine, ctx context.Context, id, acting string) (domain.Reroute, error)
	}{
		{"approve", "Approve a pending reroute (destination)", engine.Engine.Approve},
		{"reject", "Reject a pending reroute (destination)", engine.Engine.Reject},
		{"start-transit", "Dispatch a prepared reroute (source)", engine.Engine.StartTransit},
		{"confirm-delivery", "Confirm receipt of a delivered reroute (destination)", engine.Engine.ConfirmDelivery},
	}
	for _, act := range actions {
		act := act
		huma.Register(api, huma.Operation{
			OperationID: act.verb + "-reroute",
			Method:      http.MethodPost,
			Path:        "/warehouses/{warehouse}/reroutes/{id}/" + act.verb,
			Summary:     act.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *rerouteInput) (*rerouteOutput, error) {
			acting, authErr := actingWarehouse(ctx)
			if authErr != nil {
				return nil, authErr
			}
			e, err := a.node(input.Warehouse)
			if err != nil {
				return nil, handleError(err)
			}
			r, err := act.run(e, ctx, input.ID, acting)
			if err != nil {
				return nil, handleError(err)
			}
			return &rerouteOutput{Body: r}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-reroutes",
		Method:      http.MethodGet,
		Path:        "/warehouses/{warehouse}/reroutes",
		Summary:     "List reroutes in this node's store",
	}, func(ctx context.Context, input *struct {
		Warehouse string `path:"warehouse"`
		Filter    string `query:"warehouse" doc:"Only reroutes involving this warehouse; defaults to the node"`
	}) (*struct {
		Body RerouteList `json:"body"`
	}, error) {
		e, _, err := a.self(ctx, input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListReroutes(ctx, input.Filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RerouteList `json:"body"`
		}{Body: RerouteList{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reroute",
		Method:      http.MethodGet,
		Path:        "/warehouses/{warehouse}/reroutes/{id}",
		Summary:     "Get a reroute from this node's store",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *rerouteInput) (*rerouteOutput, error) {
		e, _, err := a.self(ctx, input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.GetReroute(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &rerouteOutput{Body: r}, nil
	})
}

func (a *api) registerNotifications(api huma.API) {
	type inboxInput struct {
		Warehouse string `path:"warehouse"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/warehouses/{warehouse}/notifications",
		Summary:     "List this warehouse's notifications, newest first",
	}, func(ctx context.Context, input *inboxInput) (*struct {
		Body Inbox `json:"body"`
	}, error) {
		e, acting, err := a.self(ctx, input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListNotifications(ctx, acting)
		if err != nil {
			return nil, handleError(err)
		}
		unread := 0
		for _, n := range items {
			if !n.Read {
				unread++
			}
		}
		return &struct {
			Body Inbox `json:"body"`
		}{Body: Inbox{Items: nonNil(items), Unread: unread}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unread-count",
		Method:      http.MethodGet,
		Path:        "/warehouses/{warehouse}/notifications/unread-count",
		Summary:     "Count unread notifications",
	}, func(ctx context.Context, input *inboxInput) (*struct {
		Body UnreadResponse `json:"body"`
	}, error) {
		e, acting, err := a.self(ctx, input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.UnreadCount(ctx, acting)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnreadResponse `json:"body"`
		}{Body: UnreadResponse{Unread: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-read",
		Method:        http.MethodPost,
		Path:          "/warehouses/{warehouse}/notifications/{id}/read",
		Summary:       "Mark one notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Warehouse string `path:"warehouse"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		e, _, err := a.self(ctx, input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.MarkRead(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-all-read",
		Method:      http.MethodPost,
		Path:        "/warehouses/{warehouse}/notifications/read-all",
		Summary:     "Mark every notification read",
	}, func(ctx context.Context, input *inboxInput) (*struct {
		Body MarkAllReadResponse `json:"body"`
	}, error) {
		e, acting, err := a.self(ctx, input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.MarkAllRead(ctx, acting)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MarkAllReadResponse `json:"body"`
		}{Body: MarkAllReadResponse{Updated: n}}, nil
	})
}

// registerReplica exposes the node store to its counterparts for write-through and pulls.
func (a *api) registerReplica(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-replica",
		Method:      http.MethodGet,
		Path:        "/warehouses/{warehouse}/replica/reroutes/{id}",
		Summary:     "Read this node's copy of a reroute (peer use)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *rerouteInput) (*rerouteOutput, error) {
		acting, authErr := actingWarehouse(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.node(input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.GetReroute(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !r.Involves(acting) {
			return nil, newAPIError(http.StatusForbidden, "unauthorized_warehouse",
				fmt.Sprintf("reroute %s does not involve %s", r.ID, acting), nil)
		}
		return &rerouteOutput{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-replica",
		Method:      http.MethodPut,
		Path:        "/warehouses/{warehouse}/replica/reroutes/{id}",
		Summary:     "Offer a newer copy of a reroute (peer use)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Warehouse string `path:"warehouse"`
		ID        string `path:"id"`
		Body      domain.Reroute
	}) (*struct {
		Body ReplicaResponse `json:"body"`
	}, error) {
		acting, authErr := actingWarehouse(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.node(input.Warehouse)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.ID != input.ID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body id does not match path", nil)
		}
		if !input.Body.Involves(acting) {
			return nil, newAPIError(http.StatusForbidden, "unauthorized_warehouse",
				fmt.Sprintf("reroute %s does not involve %s", input.ID, acting), nil)
		}
		applied, err := e.ApplyReplica(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReplicaResponse `json:"body"`
		}{Body: ReplicaResponse{Applied: applied}}, nil
	})
}

func (a *api) registerDevAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a warehouse JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest
	}) (*struct {
		Body DevTokenResponse `json:"body"`
	}, error) {
		warehouse := strings.TrimSpace(input.Body.Warehouse)
		if a.registry != nil && !a.registry.Known(warehouse) {
			return nil, handleError(fmt.Errorf("%w: %q", engine.ErrUnknownWarehouse, warehouse))
		}
		token, err := IssueToken(a.auth.JWTSecret, warehouse, time.Duration(input.Body.TTLSeconds)*time.Second)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevTokenResponse `json:"body"`
		}{Body: DevTokenResponse{Token: token}}, nil
	})
}
