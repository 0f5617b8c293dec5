package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/metrics"
	"github.com/acme/outbound-call-engine/internal/policy"
	"github.com/acme/outbound-call-engine/internal/repository"
)

const activeCampaignLimit = 100

// Sweep turns enrolled contacts of active campaigns into intents and reports
// how many were enqueued.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	tracer := otel.Tracer("outbound.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.sweep")
	defer span.End()

	campaigns, err := s.deps.Campaigns.ListActive(sctx, activeCampaignLimit)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scheduler: list active campaigns: %w", err)
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	now := s.now()
	total := 0
	for _, campaign := range campaigns {
		cctx, cspan := tracer.Start(sctx, "scheduler.sweep.campaign", trace.WithAttributes(
			attribute.String("campaign.id", campaign.ID.String()),
		))
		n, err := s.sweepCampaign(cctx, campaign, now)
		if err != nil {
			cspan.RecordError(err)
			s.logger.WithContext(cctx).Error("sweep campaign",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}
		cspan.SetAttributes(attribute.Int("intents.enqueued", n))
		cspan.End()
		total += n
	}
	return total, nil
}

func (s *Scheduler) sweepCampaign(ctx context.Context, campaign *domain.Campaign, now time.Time) (int, error) {
	links, err := s.deps.Links.ListAwaiting(ctx, campaign.ID, s.cfg.SweepPageSize)
	if err != nil {
		return 0, fmt.Errorf("list awaiting links: %w", err)
	}
	if len(links) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.ContactID)
	}
	contacts, err := s.deps.Contacts.GetMany(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load contacts: %w", err)
	}

	enqueued := 0
	for _, link := range links {
		contact, ok := contacts[link.ContactID]
		if !ok {
			if err := s.deps.Links.SetStatus(ctx, campaign.ID, link.ContactID, domain.LinkStatusSkipped, contactMissingNote); err != nil {
				return enqueued, err
			}
			continue
		}

		decision, err := s.deps.Evaluator.Evaluate(ctx, contact, campaign, now)
		if err != nil {
			return enqueued, err
		}
		metrics.PolicyDecisions.WithLabelValues(reasonLabel(decision)).Inc()

		at := now
		switch {
		case decision.Eligible:
		case decision.Reason == policy.ReasonDoNotCall:
			if err := s.deps.Links.SetStatus(ctx, campaign.ID, contact.ID, domain.LinkStatusOptedOut, doNotCallNote); err != nil {
				return enqueued, err
			}
			continue
		case decision.Reason == policy.ReasonOutstandingIntent, decision.Reason == policy.ReasonContactMissing:
			continue
		default:
			at = decision.RetryAt
		}

		scheduled := policy.SpreadCallTime(campaign, contact.ID, policy.OptimalCallTime(campaign, at))
		campaignID := campaign.ID
		intent := domain.NewIntent(contact.ID, &campaignID, campaign.DefaultPurpose, domain.PriorityNormal, scheduled, s.maxAttempts, map[string]any{
			"campaign_id":   campaign.ID.String(),
			"campaign_name": campaign.Name,
			"campaign_type": string(campaign.Type),
		}, now)
		if err := s.deps.Intents.Enqueue(ctx, intent); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return enqueued, fmt.Errorf("enqueue intent: %w", err)
		}
		enqueued++
	}
	return enqueued, nil
}
