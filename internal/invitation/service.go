package invitation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/course-checkout/internal/identity"
	"github.com/vasiliy-maslov/course-checkout/internal/order"
	"github.com/vasiliy-maslov/course-checkout/internal/retry"
)

const JobKind = "invitation.send"

type Scheduler interface {
	Schedule(ctx context.Context, kind, dedupKey string, payload any, policy retry.Policy) error
}

type jobPayload struct {
	InvitationID uuid.UUID `json:"invitation_id"`
}

type Service struct {
	repo      Repository
	scheduler Scheduler
	provider  identity.Provider
	policy    retry.Policy
	now       func() time.Time
}

func NewService(repo Repository, scheduler Scheduler, provider identity.Provider, policy retry.Policy) *Service {
	return &Service{repo: repo, scheduler: scheduler, provider: provider, policy: policy, now: time.Now}
}

// ScheduleInvitation makes sure the buyer of o gets exactly one access invitation.
func (s *Service) ScheduleInvitation(ctx context.Context, o *order.Order) error {
	now := s.now().UTC()
	inv := &Invitation{
		OrderID:   o.ID,
		ProductID: o.ProductID,
		Email:     o.CustomerEmail,
		Name:      o.CustomerName,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.repo.CreateIfAbsent(ctx, inv); err != nil {
		return fmt.Errorf("invitation: failed to track invitation for order %s: %w", o.ID, err)
	}
	if inv.Status.Delivered() {
		log.Debug().Stringer("order_id", o.ID).Str("status", string(inv.Status)).Msg("invitation: already delivered")
		return nil
	}

	if err := s.scheduler.Schedule(ctx, JobKind, o.ID.String(), jobPayload{InvitationID: inv.ID}, s.policy); err != nil {
		return fmt.Errorf("invitation: failed to schedule send for order %s: %w", o.ID, err)
	}
	return nil
}

// MarkAccepted records that the identity provider reported the invitation as used.
func (s *Service) MarkAccepted(ctx context.Context, externalInvitationID string) error {
	updated, err := s.repo.MarkAccepted(ctx, externalInvitationID)
	if err != nil {
		return fmt.Errorf("invitation: mark accepted: %w", err)
	}
	if !updated {
		log.Info().Str("invitation_id", externalInvitationID).Msg("invitation: accepted invitation is unknown or already accepted")
	}
	return nil
}

var _ retry.Handler = (*Service)(nil)
var _ retry.AttemptObserver = (*Service)(nil)

func (s *Service) load(ctx context.Context, job retry.Job) (*Invitation, error) {
	var payload jobPayload
	if err := job.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", retry.ErrPermanent, err)
	}
	inv, err := s.repo.GetByID(ctx, payload.InvitationID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("invitation %s: %w", payload.InvitationID, retry.ErrPermanent)
	}
	return inv, err
}

func (s *Service) Run(ctx context.Context, job retry.Job) (string, error) {
	inv, err := s.load(ctx, job)
	if err != nil {
		return "", err
	}
	if inv.Status.Delivered() && inv.ExternalInvitationID != nil {
		return *inv.ExternalInvitationID, nil
	}

	return s.provider.SendInvitation(ctx, identity.Invitation{
		Email: inv.Email,
		Metadata: map[string]string{
			"order_id":   inv.OrderID.String(),
			"product_id": inv.ProductID.String(),
			"name":       inv.Name,
		},
	})
}

func (s *Service) OnAttemptFailed(ctx context.Context, job retry.Job, attempt int, err error) error {
	inv, loadErr := s.load(ctx, job)
	if loadErr != nil {
		return loadErr
	}
	return s.repo.RecordFailedAttempt(ctx, inv.ID, attempt, err.Error())
}

func (s *Service) OnSuccess(ctx context.Context, job retry.Job, attempts int, externalID string) error {
	inv, err := s.load(ctx, job)
	if err != nil {
		return err
	}
	if err := s.repo.MarkSent(ctx, inv.ID, externalID); err != nil {
		return err
	}
	log.Info().Stringer("order_id", inv.OrderID).Str("external_id", externalID).Int("attempts", attempts).Msg("invitation: sent")
	return nil
}

func (s *Service) OnExhausted(ctx context.Context, job retry.Job, attempts int, lastErr error) error {
	inv, err := s.load(ctx, job)
	if err != nil {
		return err
	}
	log.Error().Err(lastErr).Stringer("order_id", inv.OrderID).Int("attempts", attempts).Msg("invitation: giving up")
	return s.repo.MarkFailed(ctx, inv.ID, lastErr.Error())
}
