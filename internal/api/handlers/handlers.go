package handlers

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	callsvc "github.com/acme/outbound-call-engine/internal/service/call"
	campaignsvc "github.com/acme/outbound-call-engine/internal/service/campaign"
	"github.com/acme/outbound-call-engine/internal/service/conversation"
	"github.com/acme/outbound-call-engine/pkg/logger"
)

// HealthCheck pings one backing service.
type HealthCheck func(ctx context.Context) error

// Services are the application services exposed over HTTP.
type Services struct {
	Campaigns     *campaignsvc.Service
	Calls         *callsvc.Service
	Conversations *conversation.Manager
}

// Options configure webhook verification and health checks.
type Options struct {
	// AuthToken enables provider signature checks when set.
	AuthToken       string
	CallbackBaseURL string
	Health          map[string]HealthCheck
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns     *campaignsvc.Service
	calls         *callsvc.Service
	conversations *conversation.Manager
	opts          Options
	validate      *validator.Validate
	logger        *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(services Services, opts Options, log *logger.Logger) *HandlerSet {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &HandlerSet{
		campaigns:     services.Campaigns,
		calls:         services.Calls,
		conversations: services.Conversations,
		opts:          opts,
		validate:      validate,
		logger:        log.Named("http"),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/activate", h.activateCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/complete", h.completeCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Post("/:id/contacts", h.enrollContacts)
	campaigns.Get("/:id/contacts", h.listCampaignContacts)
	campaigns.Post("/:id/trigger", h.triggerCampaignCalls)

	calls := v1.Group("/calls")
	calls.Post("/trigger", h.triggerCall)
	calls.Post("/bulk", h.bulkCalls)
	calls.Get("/status", h.callStatus)
	calls.Post("/:intent_id/cancel", h.cancelIntent)

	webhooks := v1.Group("/webhooks/telephony")
	webhooks.Post("/status", h.statusWebhook)
	webhooks.Post("/speech", h.speechWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	traceID := ""
	if sc := trace.SpanContextFromContext(ctx.UserContext()); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		message = "internal server error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": traceID,
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.opts.Health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
