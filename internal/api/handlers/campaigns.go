package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	callsvc "github.com/acme/outbound-call-engine/internal/service/call"
	campaignsvc "github.com/acme/outbound-call-engine/internal/service/campaign"
)

type callingWindowRequest struct {
	StartHour int   `json:"start_hour" validate:"gte=0,lte=23"`
	EndHour   int   `json:"end_hour" validate:"gte=1,lte=24"`
	Weekdays  []int `json:"weekdays" validate:"required,min=1,dive,gte=1,lte=7"`
}

type createCampaignRequest struct {
	Name            string                `json:"name" validate:"required,max=255"`
	Description     string                `json:"description"`
	Type            string                `json:"type" validate:"omitempty,oneof=bulk_calls drip_campaign appointment_reminders follow_up survey"`
	TimeZone        string                `json:"time_zone"`
	CallingWindow   *callingWindowRequest `json:"calling_window"`
	MaxCallsPerHour int                   `json:"max_calls_per_hour" validate:"gte=0"`
	MaxCallsPerDay  int                   `json:"max_calls_per_day" validate:"gte=0"`
	DefaultPurpose  string                `json:"default_purpose"`
}

type callingWindowResponse struct {
	StartHour int   `json:"start_hour"`
	EndHour   int   `json:"end_hour"`
	Weekdays  []int `json:"weekdays"`
}

type campaignResponse struct {
	ID              uuid.UUID             `json:"id"`
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	Type            domain.CampaignType   `json:"type"`
	Status          domain.CampaignStatus `json:"status"`
	TimeZone        string                `json:"time_zone"`
	CallingWindow   callingWindowResponse `json:"calling_window"`
	MaxCallsPerHour int                   `json:"max_calls_per_hour"`
	MaxCallsPerDay  int                   `json:"max_calls_per_day"`
	DefaultPurpose  domain.Purpose        `json:"default_purpose"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

type campaignStatsResponse struct {
	TotalIntents     int64 `json:"total_intents"`
	PendingIntents   int64 `json:"pending_intents"`
	InProgress       int64 `json:"in_progress"`
	CompletedIntents int64 `json:"completed_intents"`
	FailedIntents    int64 `json:"failed_intents"`
	CancelledIntents int64 `json:"cancelled_intents"`
	CallsThisHour    int64 `json:"calls_this_hour"`
	CallsToday       int64 `json:"calls_today"`
}

type enrollRequest struct {
	ContactIDs []string `json:"contact_ids" validate:"required,min=1,max=1000,dive,uuid"`
}

type linkResponse struct {
	ContactID     uuid.UUID         `json:"contact_id"`
	Status        domain.LinkStatus `json:"status"`
	AttemptCount  int               `json:"attempt_count"`
	IntentID      *uuid.UUID        `json:"intent_id,omitempty"`
	ScheduledTime *time.Time        `json:"scheduled_time,omitempty"`
	Notes         string            `json:"notes,omitempty"`
}

type triggerCampaignRequest struct {
	Purpose          string `json:"purpose"`
	StaggerMinutes   int    `json:"stagger_minutes" validate:"gte=0,lte=1440"`
	StartImmediately bool   `json:"start_immediately"`
}

type scheduledResponse struct {
	IntentID      uuid.UUID `json:"intent_id"`
	ContactID     uuid.UUID `json:"contact_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

type skippedResponse struct {
	ContactID uuid.UUID `json:"contact_id"`
	Reason    string    `json:"reason"`
}

type triggerCampaignResponse struct {
	Scheduled []scheduledResponse `json:"scheduled"`
	Skipped   []skippedResponse   `json:"skipped"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := h.bind(ctx, &req); err != nil {
		return err
	}

	input := campaignsvc.CreateCampaignInput{
		Name:            req.Name,
		Description:     req.Description,
		Type:            domain.CampaignType(req.Type),
		TimeZone:        req.TimeZone,
		MaxCallsPerHour: req.MaxCallsPerHour,
		MaxCallsPerDay:  req.MaxCallsPerDay,
		DefaultPurpose:  domain.Purpose(req.DefaultPurpose),
	}
	if w := req.CallingWindow; w != nil {
		input.Window = &domain.CallingWindow{StartHour: w.StartHour, EndHour: w.EndHour, Weekdays: w.Weekdays}
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) activateCampaign(ctx *fiber.Ctx) error {
	return h.transitionCampaign(ctx, h.campaigns.Activate)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.transitionCampaign(ctx, h.campaigns.Pause)
}

func (h *HandlerSet) completeCampaign(ctx *fiber.Ctx) error {
	return h.transitionCampaign(ctx, h.campaigns.Complete)
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	return h.transitionCampaign(ctx, h.campaigns.Cancel)
}

func (h *HandlerSet) transitionCampaign(ctx *fiber.Ctx, fn func(context.Context, uuid.UUID) (*domain.Campaign, error)) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	campaign, err := fn(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	stats, err := h.campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(campaignStatsResponse{
		TotalIntents:     stats.TotalIntents,
		PendingIntents:   stats.PendingIntents,
		InProgress:       stats.InProgress,
		CompletedIntents: stats.CompletedIntents,
		FailedIntents:    stats.FailedIntents,
		CancelledIntents: stats.CancelledIntents,
		CallsThisHour:    stats.CallsThisHour,
		CallsToday:       stats.CallsToday,
	})
}

func (h *HandlerSet) enrollContacts(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	var req enrollRequest
	if err := h.bind(ctx, &req); err != nil {
		return err
	}
	contactIDs := make([]uuid.UUID, 0, len(req.ContactIDs))
	for _, raw := range req.ContactIDs {
		contactIDs = append(contactIDs, uuid.MustParse(raw))
	}

	n, err := h.campaigns.Enroll(ctx.UserContext(), id, contactIDs)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"enrolled": n})
}

func (h *HandlerSet) listCampaignContacts(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	limit := ctx.QueryInt("limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	links, err := h.campaigns.Contacts(ctx.UserContext(), id, limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]linkResponse, 0, len(links))
	for _, l := range links {
		resp = append(resp, linkResponse{
			ContactID:     l.ContactID,
			Status:        l.Status,
			AttemptCount:  l.AttemptCount,
			IntentID:      l.IntentID,
			ScheduledTime: l.ScheduledTime,
			Notes:         l.Notes,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"contacts": resp})
}

func (h *HandlerSet) triggerCampaignCalls(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "id")
	if err != nil {
		return err
	}
	var req triggerCampaignRequest
	if err := h.bind(ctx, &req); err != nil {
		return err
	}

	result, err := h.calls.TriggerCampaignCalls(ctx.UserContext(), id, callsvc.TriggerCampaignInput{
		Purpose:          domain.Purpose(req.Purpose),
		StaggerMinutes:   req.StaggerMinutes,
		StartImmediately: req.StartImmediately,
	})
	if err != nil {
		return translateError(err)
	}

	resp := triggerCampaignResponse{
		Scheduled: make([]scheduledResponse, 0, len(result.Scheduled)),
		Skipped:   make([]skippedResponse, 0, len(result.Skipped)),
	}
	for _, intent := range result.Scheduled {
		resp.Scheduled = append(resp.Scheduled, scheduledResponse{
			IntentID:      intent.ID,
			ContactID:     intent.ContactID,
			ScheduledTime: intent.ScheduledTime,
		})
	}
	for _, s := range result.Skipped {
		resp.Skipped = append(resp.Skipped, skippedResponse{ContactID: s.ContactID, Reason: s.Reason})
	}
	return ctx.Status(http.StatusCreated).JSON(resp)
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Type:        c.Type,
		Status:      c.Status,
		TimeZone:    c.TimeZone,
		CallingWindow: callingWindowResponse{
			StartHour: c.Window.StartHour,
			EndHour:   c.Window.EndHour,
			Weekdays:  c.Window.Weekdays,
		},
		MaxCallsPerHour: c.MaxCallsPerHour,
		MaxCallsPerDay:  c.MaxCallsPerDay,
		DefaultPurpose:  c.DefaultPurpose,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
	}
}
