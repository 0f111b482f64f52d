package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"breaklock/internal/engine"
	"breaklock/internal/engine/auth"
	"breaklock/internal/notify"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Broker   *notify.Broker
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
	// Heartbeat is the ping interval on the change stream.
	Heartbeat time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_reached"`
	Message string         `json:"message" example:"all 2 break slots are taken"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the BreakLock API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Broker == nil {
		return nil, errors.New("server: change broker required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Log))
	hcfg := huma.DefaultConfig("BreakLock API", "1.0.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		bearerScheme: {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)
	group.UseSimpleModifier(requireBearer)

	registerHealth(group)
	registerMe(group)
	registerStatus(group, cfg.Engine)
	registerBreaks(group, cfg.Engine)
	registerCapacity(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerReaper(group, cfg.Engine)
	registerStream(group, cfg.Broker, cfg.Engine, cfg.Heartbeat)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
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
	var ae *engine.AdmissionError
	if !errors.As(err, &ae) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	code := string(ae.Kind)
	switch ae.Kind {
	case engine.KindInvalid:
		return newAPIError(http.StatusBadRequest, code, ae.Error(), nil)
	case engine.KindForbidden:
		var fe auth.ForbiddenError
		var details map[string]any
		if errors.As(err, &fe) {
			details = map[string]any{"capability": fe.Capability}
		}
		return newAPIError(http.StatusForbidden, code, ae.Msg, details)
	case engine.KindNotFound, engine.KindNotActive:
		return newAPIError(http.StatusNotFound, code, ae.Error(), nil)
	case engine.KindCapacityReached, engine.KindAlreadyActive:
		return newAPIError(http.StatusConflict, code, ae.Error(), nil)
	case engine.KindStoreUnavailable:
		return newAPIError(http.StatusServiceUnavailable, code, "break store unavailable, retry later", nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// publicOperations are served without a bearer token, matching newAuthMiddleware.
var publicOperations = map[string]bool{"health": true, "dev-login": true}

const bearerScheme = "bearerAuth"

func requireBearer(op *huma.Operation) {
	if !publicOperations[op.OperationID] {
		op.Security = []map[string][]string{{bearerScheme: {}}}
	}
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := p.Roles
		if roles == nil {
			roles = []string{}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Subject: p.Subject, Email: p.Email, TenantID: p.TenantID, Roles: roles, Admin: p.Admin}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pool snapshot: capacity, active breaks, next free slot",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Status(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(st, nowUTC(e))}, nil
	})
}

func registerBreaks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-active-breaks",
		Method:      http.MethodGet,
		Path:        "/breaks/active",
		Summary:     "Active breaks, soonest ending first",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BreakListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListActive(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BreakListResponse `json:"body"`
		}{Body: BreakListResponse{Items: mapBreaks(items, nowUTC(e))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-today-breaks",
		Method:      http.MethodGet,
		Path:        "/breaks/today",
		Summary:     "Breaks started since local midnight",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BreakListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListToday(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BreakListResponse `json:"body"`
		}{Body: BreakListResponse{Items: mapBreaks(items, nowUTC(e))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-break",
		Method:      http.MethodPost,
		Path:        "/breaks",
		Summary:     "Start a break for the caller",
		Description: "Returns already_active=true with the running break when the caller is already out.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body *StartBreakRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body StartBreakResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var minutes int
		if input.Body != nil {
			minutes = input.Body.DurationMinutes
		}
		d, err := e.DurationFromMinutes(int64(minutes))
		if err != nil {
			return nil, handleError(err)
		}
		now := nowUTC(e)
		rec, err := e.StartBreak(ctx, p.Actor(), d)
		if err != nil {
			var ae *engine.AdmissionError
			if errors.As(err, &ae) && ae.Kind == engine.KindAlreadyActive && ae.Break != nil {
				return &struct {
					Body StartBreakResponse `json:"body"`
				}{Body: StartBreakResponse{Break: breakResponse(*ae.Break, now), AlreadyActive: true}}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body StartBreakResponse `json:"body"`
		}{Body: StartBreakResponse{Break: breakResponse(rec, now)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-break",
		Method:      http.MethodPost,
		Path:        "/breaks/end",
		Summary:     "End the caller's break",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BreakResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.EndBreak(ctx, p.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BreakResponse `json:"body"`
		}{Body: breakResponse(rec, nowUTC(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-break",
		Method:      http.MethodPost,
		Path:        "/breaks/{id}/override",
		Summary:     "ADMIN: end someone else's break",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body BreakResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.AdminOverrideEnd(ctx, p.Actor(), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BreakResponse `json:"body"`
		}{Body: breakResponse(rec, nowUTC(e))}, nil
	})
}

func registerCapacity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-capacity",
		Method:      http.MethodGet,
		Path:        "/capacity",
		Summary:     "Pool capacity",
		Errors:      []int{http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CapacityResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pool, err := e.GetCapacity(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CapacityResponse `json:"body"`
		}{Body: capacityResponse(pool)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-capacity",
		Method:      http.MethodPut,
		Path:        "/capacity",
		Summary:     "ADMIN: change pool capacity",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SetCapacityRequest `json:"body"`
	}) (*struct {
		Body CapacityResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pool, err := e.SetCapacity(ctx, p.Actor(), input.Body.Capacity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CapacityResponse `json:"body"`
		}{Body: capacityResponse(pool)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Events(ctx, p.TenantID, eventFilter(p.TenantID, input.Type, input.EntityID, limit+1, cursorID))
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerReaper(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-reaper",
		Method:      http.MethodPost,
		Path:        "/reaper/run",
		Summary:     "ADMIN: expire overdue breaks in the caller's tenant now",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReaperRunResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RunReaper(ctx, p.Actor())
		if err != nil {
			return nil, handleError(err)
		}
		body := ReaperRunResponse{TenantID: res.TenantID, Expired: []string{}, Failed: []string{}}
		for _, b := range res.Expired {
			body.Expired = append(body.Expired, b.ID)
		}
		for _, f := range res.Failed {
			body.Failed = append(body.Failed, f.BreakID)
		}
		return &struct {
			Body ReaperRunResponse `json:"body"`
		}{Body: body}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := SignDevToken(authCfg.JWTSecret, subject, input.Body.Email, strings.TrimSpace(input.Body.OrgID), input.Body.Roles, nowUTC(e))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func nowUTC(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
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
