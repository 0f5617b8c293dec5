package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	callsvc "github.com/acme/outbound-call-engine/internal/service/call"
)

const maxBulkCalls = 100

type triggerCallRequest struct {
	ContactID     string         `json:"contact_id" validate:"required,uuid"`
	Purpose       string         `json:"purpose" validate:"required"`
	Context       map[string]any `json:"context"`
	ScheduledTime *time.Time     `json:"scheduled_time"`
	Priority      string         `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	CampaignID    string         `json:"campaign_id" validate:"omitempty,uuid"`
}

type triggerCallResponse struct {
	IntentID      uuid.UUID `json:"intent_id"`
	ScheduledTime string    `json:"scheduled_time"`
}

type bulkCallRequest struct {
	ContactID    string         `json:"contact_id" validate:"required,uuid"`
	Purpose      string         `json:"purpose" validate:"required"`
	Context      map[string]any `json:"context"`
	DelayMinutes int            `json:"delay_minutes" validate:"gte=0,lte=43200"`
}

type bulkCallResponse struct {
	Succeeded []triggerCallResponse `json:"succeeded"`
	Errors    []string              `json:"errors"`
}

type intentResponse struct {
	ID            uuid.UUID           `json:"id"`
	ContactID     uuid.UUID           `json:"contact_id"`
	CampaignID    *uuid.UUID          `json:"campaign_id,omitempty"`
	Purpose       domain.Purpose      `json:"purpose"`
	Priority      domain.Priority     `json:"priority"`
	Status        domain.IntentStatus `json:"status"`
	ScheduledTime time.Time           `json:"scheduled_time"`
	AttemptCount  int                 `json:"attempt_count"`
	MaxAttempts   int                 `json:"max_attempts"`
	LastError     string              `json:"last_error,omitempty"`
	ResultRef     *uuid.UUID          `json:"call_id,omitempty"`
}

type callResponse struct {
	ID               uuid.UUID             `json:"id"`
	IntentID         uuid.UUID             `json:"intent_id"`
	Status           domain.CallStatus     `json:"status"`
	Outcome          domain.PrimaryOutcome `json:"outcome,omitempty"`
	Summary          string                `json:"summary,omitempty"`
	FollowUpRequired bool                  `json:"follow_up_required"`
	NeedsReview      bool                  `json:"needs_review"`
	DurationSeconds  int                   `json:"duration_seconds"`
	CreatedAt        time.Time             `json:"created_at"`
}

type callStatusResponse struct {
	Intent      *intentResponse `json:"intent"`
	RecentCalls []callResponse  `json:"recent_calls"`
}

func (h *HandlerSet) triggerCall(ctx *fiber.Ctx) error {
	var req triggerCallRequest
	if err := h.bind(ctx, &req); err != nil {
		return err
	}

	input := callsvc.TriggerCallInput{
		ContactID:     uuid.MustParse(req.ContactID),
		Purpose:       domain.Purpose(req.Purpose),
		Context:       req.Context,
		ScheduledTime: req.ScheduledTime,
		Priority:      domain.Priority(req.Priority),
	}
	if req.CampaignID != "" {
		id := uuid.MustParse(req.CampaignID)
		input.CampaignID = &id
	}

	res, err := h.calls.TriggerCall(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toTriggerResponse(res))
}

func (h *HandlerSet) bulkCalls(ctx *fiber.Ctx) error {
	var req []bulkCallRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req) == 0 {
		return fiber.NewError(http.StatusBadRequest, "at least one call is required")
	}
	if len(req) > maxBulkCalls {
		return fiber.NewError(http.StatusBadRequest, fmt.Sprintf("at most %d calls per request", maxBulkCalls))
	}

	// Items that fail validation are reported in place; the rest still run.
	var (
		items     = make([]callsvc.BulkCallItem, 0, len(req))
		positions = make([]int, 0, len(req))
		failures  []callsvc.BulkError
	)
	for i, item := range req {
		if err := h.validate.Struct(item); err != nil {
			failures = append(failures, callsvc.BulkError{Index: i, Err: errors.New(describeValidation(err))})
			continue
		}
		items = append(items, callsvc.BulkCallItem{
			ContactID:    uuid.MustParse(item.ContactID),
			Purpose:      domain.Purpose(item.Purpose),
			Context:      item.Context,
			DelayMinutes: item.DelayMinutes,
		})
		positions = append(positions, i)
	}

	result := h.calls.BulkCalls(ctx.UserContext(), items)
	for _, e := range result.Errors {
		failures = append(failures, callsvc.BulkError{Index: positions[e.Index], Err: e.Err})
	}
	slices.SortFunc(failures, func(a, b callsvc.BulkError) int { return a.Index - b.Index })

	resp := bulkCallResponse{Succeeded: make([]triggerCallResponse, 0, len(result.Succeeded)), Errors: make([]string, 0, len(failures))}
	for _, t := range result.Succeeded {
		resp.Succeeded = append(resp.Succeeded, toTriggerResponse(t))
	}
	for _, f := range failures {
		resp.Errors = append(resp.Errors, f.Error())
	}

	status := http.StatusOK
	if len(resp.Succeeded) == 0 {
		status = http.StatusBadRequest
	}
	return ctx.Status(status).JSON(resp)
}

func (h *HandlerSet) callStatus(ctx *fiber.Ctx) error {
	var q callsvc.StatusQuery
	if raw := ctx.Query("intent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid intent id")
		}
		q.IntentID = &id
	}
	if raw := ctx.Query("contact_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid contact id")
		}
		q.ContactID = &id
	}

	status, err := h.calls.GetStatus(ctx.UserContext(), q)
	if err != nil {
		return translateError(err)
	}

	resp := callStatusResponse{RecentCalls: make([]callResponse, 0, len(status.RecentCalls))}
	if status.Intent != nil {
		ir := toIntentResponse(status.Intent)
		resp.Intent = &ir
	}
	for _, c := range status.RecentCalls {
		resp.RecentCalls = append(resp.RecentCalls, callResponse{
			ID:               c.ID,
			IntentID:         c.IntentID,
			Status:           c.Status,
			Outcome:          c.Outcome,
			Summary:          c.Summary,
			FollowUpRequired: c.FollowUpRequired,
			NeedsReview:      c.NeedsReview,
			DurationSeconds:  int(c.Duration().Seconds()),
			CreatedAt:        c.CreatedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) cancelIntent(ctx *fiber.Ctx) error {
	id, err := parseUUIDParam(ctx, "intent_id")
	if err != nil {
		return err
	}
	intent, err := h.calls.Cancel(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toIntentResponse(intent))
}

func toTriggerResponse(t callsvc.Triggered) triggerCallResponse {
	resp := triggerCallResponse{IntentID: t.Intent.ID, ScheduledTime: "immediate"}
	if !t.Immediate {
		resp.ScheduledTime = t.Intent.ScheduledTime.Format(time.RFC3339)
	}
	return resp
}

func toIntentResponse(i *domain.CallIntent) intentResponse {
	return intentResponse{
		ID:            i.ID,
		ContactID:     i.ContactID,
		CampaignID:    i.CampaignID,
		Purpose:       i.Purpose,
		Priority:      i.Priority,
		Status:        i.Status,
		ScheduledTime: i.ScheduledTime,
		AttemptCount:  i.AttemptCount,
		MaxAttempts:   i.MaxAttempts,
		LastError:     i.LastError,
		ResultRef:     i.ResultRef,
	}
}
