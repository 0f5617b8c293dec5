package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-engine/internal/domain"
	"github.com/acme/outbound-call-engine/internal/policy"
	"github.com/acme/outbound-call-engine/internal/repository"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

const (
	defaultMaxCallsPerHour = 10
	defaultMaxCallsPerDay  = 100
)

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo    repository.CampaignRepository
	windows repository.CallingWindowRepository
	links   repository.LinkRepository
	intents repository.IntentRepository
	counts  policy.RateCounts
	now     func() time.Time
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	windows repository.CallingWindowRepository,
	links repository.LinkRepository,
	intents repository.IntentRepository,
	counts policy.RateCounts,
) *Service {
	return &Service{
		repo:    repo,
		windows: windows,
		links:   links,
		intents: intents,
		counts:  counts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name            string
	Description     string
	Type            domain.CampaignType
	TimeZone        string
	Window          *domain.CallingWindow
	MaxCallsPerHour int
	MaxCallsPerDay  int
	DefaultPurpose  domain.Purpose
}

// Create provisions a new campaign in draft state.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	input = applyDefaults(input)
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:              uuid.New(),
		Name:            strings.TrimSpace(input.Name),
		Description:     input.Description,
		Type:            input.Type,
		Status:          domain.CampaignStatusDraft,
		TimeZone:        input.TimeZone,
		Window:          *input.Window,
		MaxCallsPerHour: input.MaxCallsPerHour,
		MaxCallsPerDay:  input.MaxCallsPerDay,
		DefaultPurpose:  input.DefaultPurpose,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	if err := s.windows.Replace(ctx, campaign.ID, campaign.Window); err != nil {
		return nil, fmt.Errorf("campaign service: store calling window: %w", err)
	}
	return campaign, nil
}

// Get retrieves a campaign by id including its calling window.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadWindow(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// ListActive returns active campaigns with calling windows populated.
func (s *Service) ListActive(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	campaigns, err := s.repo.ListByStatus(ctx, domain.CampaignStatusActive, limit)
	if err != nil {
		return nil, err
	}
	for _, c := range campaigns {
		if err := s.loadWindow(ctx, c); err != nil {
			return nil, err
		}
	}
	return campaigns, nil
}

func (s *Service) loadWindow(ctx context.Context, c *domain.Campaign) error {
	window, err := s.windows.Get(ctx, c.ID)
	switch {
	case err == nil:
		c.Window = window
	case errors.Is(err, repository.ErrNotFound):
		c.Window = domain.DefaultCallingWindow()
	default:
		return fmt.Errorf("campaign service: load calling window: %w", err)
	}
	return nil
}

// Activate starts or resumes dialing.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignStatusActive)
}

// Pause stops the sweep from scheduling new intents.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignStatusPaused)
}

// Complete marks a campaign as completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignStatusCompleted)
}

// Cancel marks a campaign as cancelled. Pending intents are cancelled by the
// dispatcher when they come due.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.transition(ctx, id, domain.CampaignStatusCancelled)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to domain.CampaignStatus) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign.Status == to {
		return s.Get(ctx, id)
	}
	if !domain.CanTransitionCampaign(campaign.Status, to) {
		return nil, fmt.Errorf("%w: campaign is %s, cannot move to %s", apperrors.ErrConflict, campaign.Status, to)
	}
	if err := s.repo.UpdateStatus(ctx, id, campaign.Status, to, s.now()); err != nil {
		return nil, fmt.Errorf("campaign service: update status: %w", err)
	}
	return s.Get(ctx, id)
}

// Enroll adds contacts to the campaign. Already enrolled contacts are ignored.
func (s *Service) Enroll(ctx context.Context, campaignID uuid.UUID, contactIDs []uuid.UUID) (int, error) {
	if len(contactIDs) == 0 {
		return 0, fmt.Errorf("%w: at least one contact is required", apperrors.ErrValidation)
	}
	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.Status.Terminal() {
		return 0, fmt.Errorf("%w: campaign is %s", apperrors.ErrConflict, campaign.Status)
	}
	n, err := s.links.Enroll(ctx, campaignID, contactIDs)
	if err != nil {
		return 0, fmt.Errorf("campaign service: enroll contacts: %w", err)
	}
	return n, nil
}

// Contacts lists the campaign's links.
func (s *Service) Contacts(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignContactLink, error) {
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.links.ListByCampaign(ctx, campaignID, limit)
}

// Stats aggregates intent counts and the current rate buckets.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.intents.Stats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: intent stats: %w", err)
	}
	hour, day, err := s.counts.Counts(ctx, campaign, s.now())
	if err != nil {
		return nil, fmt.Errorf("campaign service: rate counts: %w", err)
	}
	stats.CallsThisHour, stats.CallsToday = hour, day
	return stats, nil
}

func applyDefaults(input CreateCampaignInput) CreateCampaignInput {
	if input.Type == "" {
		input.Type = domain.CampaignTypeBulkCalls
	}
	if input.TimeZone == "" {
		input.TimeZone = "UTC"
	}
	if input.Window == nil {
		w := domain.DefaultCallingWindow()
		input.Window = &w
	}
	if input.MaxCallsPerHour <= 0 {
		input.MaxCallsPerHour = defaultMaxCallsPerHour
	}
	if input.MaxCallsPerDay <= 0 {
		input.MaxCallsPerDay = defaultMaxCallsPerDay
	}
	if input.DefaultPurpose == "" {
		input.DefaultPurpose = input.Type.DefaultPurpose()
	}
	return input
}

func validateCreateInput(input CreateCampaignInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if !input.Type.Valid() {
		return fmt.Errorf("%w: unknown campaign type %q", apperrors.ErrValidation, input.Type)
	}
	if _, err := time.LoadLocation(input.TimeZone); err != nil {
		return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, input.TimeZone, err)
	}
	if input.Window != nil {
		if err := input.Window.Validate(); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
	}
	if input.MaxCallsPerDay < input.MaxCallsPerHour {
		return fmt.Errorf("%w: daily cap %d is below hourly cap %d", apperrors.ErrValidation, input.MaxCallsPerDay, input.MaxCallsPerHour)
	}
	if !input.DefaultPurpose.Valid() {
		return fmt.Errorf("%w: unknown purpose %q", apperrors.ErrValidation, input.DefaultPurpose)
	}
	return nil
}
