package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/service/conversation"
	"github.com/acme/outbound-call-engine/internal/telephony"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

const signatureHeader = "X-Twilio-Signature"

func (h *HandlerSet) statusWebhook(ctx *fiber.Ctx) error {
	if err := h.verifySignature(ctx); err != nil {
		return err
	}
	ev, err := telephony.ParseStatusCallback(formValue(ctx), time.Now().UTC())
	if err != nil {
		return translateError(err)
	}
	callID, err := queryCallID(ctx)
	if err != nil {
		return err
	}

	call, err := h.calls.HandleStatusEvent(ctx.UserContext(), callID, ev)
	if err != nil {
		return translateError(err)
	}
	h.logger.WithContext(ctx.UserContext()).Info("call status updated",
		zap.String("call_id", call.ID.String()),
		zap.String("provider_call_id", ev.ProviderCallID),
		zap.String("status", string(call.Status)),
	)
	return sendTwiML(ctx, telephony.EmptyTwiML())
}

// speechWebhook answers the call on first contact and then relays each
// recognized utterance, or the silence after a reprompt, to the conversation.
func (h *HandlerSet) speechWebhook(ctx *fiber.Ctx) error {
	if err := h.verifySignature(ctx); err != nil {
		return err
	}
	ev, err := telephony.ParseSpeech(formValue(ctx))
	if err != nil {
		return translateError(err)
	}
	callID, err := queryCallID(ctx)
	if err != nil {
		return err
	}
	if callID == nil {
		return fiber.NewError(http.StatusBadRequest, "call_id is required")
	}

	var reply conversation.Reply
	switch {
	case ev.Text == "" && ctx.Query(telephony.NoInputParam) != "":
		reply, err = h.conversations.HandleSilence(ctx.UserContext(), *callID)
		if err != nil {
			return h.speechFailure(ctx, err)
		}
	case ev.Text == "":
		call, err := h.calls.Call(ctx.UserContext(), *callID)
		if err != nil {
			return translateError(err)
		}
		reply, err = h.conversations.Start(ctx.UserContext(), call)
		if err != nil {
			return h.speechFailure(ctx, err)
		}
	default:
		reply, err = h.conversations.HandleUtterance(ctx.UserContext(), *callID, ev.Text)
		if err != nil {
			return h.speechFailure(ctx, err)
		}
	}

	gather, _ := telephony.CallbackURLs(h.opts.CallbackBaseURL, *callID)
	doc, err := telephony.RenderTwiML(telephony.Reply{Text: reply.Text, Hangup: reply.Hangup, GatherURL: gather})
	if err != nil {
		return err
	}
	return sendTwiML(ctx, doc)
}

// speechFailure acknowledges speech that cannot be handled. A conflict means
// the utterance is a duplicate or the conversation is over, and the
// provider gets an empty document instead of an error.
func (h *HandlerSet) speechFailure(ctx *fiber.Ctx, err error) error {
	if errors.Is(err, apperrors.ErrConflict) {
		return sendTwiML(ctx, telephony.EmptyTwiML())
	}
	return translateError(err)
}

func (h *HandlerSet) verifySignature(ctx *fiber.Ctx) error {
	if h.opts.AuthToken == "" {
		return nil
	}
	form := url.Values{}
	ctx.Request().PostArgs().VisitAll(func(k, v []byte) {
		form.Add(string(k), string(v))
	})
	fullURL := strings.TrimRight(h.opts.CallbackBaseURL, "/") + ctx.OriginalURL()
	if !telephony.ValidSignature(h.opts.AuthToken, fullURL, form, ctx.Get(signatureHeader)) {
		return fiber.NewError(http.StatusForbidden, "invalid signature")
	}
	return nil
}

func queryCallID(ctx *fiber.Ctx) (*uuid.UUID, error) {
	raw := ctx.Query("call_id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fiber.NewError(http.StatusBadRequest, "invalid call id")
	}
	return &id, nil
}

func formValue(ctx *fiber.Ctx) func(string) string {
	return func(key string) string { return ctx.FormValue(key) }
}

func sendTwiML(ctx *fiber.Ctx, doc string) error {
	ctx.Set(fiber.HeaderContentType, "application/xml; charset=utf-8")
	return ctx.Status(http.StatusOK).SendString(doc)
}
