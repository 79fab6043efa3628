package deal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// DepositAddressGenerator issues a fresh deposit address for a deal.
type DepositAddressGenerator interface {
	GenerateDepositAddress(ctx context.Context, dealID uuid.UUID, amountNano int64) (address string, subwalletID int64, err error)
}

// OwnerDirectory reports who currently owns a channel.
type OwnerDirectory interface {
	ChannelOwner(ctx context.Context, channelID int64) (int64, error)
}

// Service composes multi-step deal operations on top of the engine.
type Service struct {
	engine Transitioner
	store  Store
	wallet DepositAddressGenerator
	owners OwnerDirectory
	log    logrus.FieldLogger
}

func NewService(engine Transitioner, store Store, wallet DepositAddressGenerator, owners OwnerDirectory, log logrus.FieldLogger) *Service {
	return &Service{
		engine: engine,
		store:  store,
		wallet: wallet,
		owners: owners,
		log:    log.WithField("component", "deal_service"),
	}
}

// Accept records the owner's acceptance, opens payment and makes sure a
// deposit address exists. Each step is idempotent, so a retried call resumes
// wherever the previous one stopped.
func (s *Service) Accept(ctx context.Context, dealID uuid.UUID, ownerID int64) (*models.Deal, error) {
	d, err := s.store.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, &TransitionError{From: d.Status, To: models.DealStatusAccepted, Actor: models.ActorChannelOwner, Err: ErrActorNotAllowed}
	}

	if d.Status != models.DealStatusAwaitingPayment {
		if _, err := s.engine.Transition(ctx, TransitionRequest{
			DealID:    dealID,
			Target:    models.DealStatusAccepted,
			ActorID:   &ownerID,
			ActorType: models.ActorChannelOwner,
		}); err != nil {
			return nil, err
		}
		if _, err := s.engine.Transition(ctx, TransitionRequest{
			DealID:    dealID,
			Target:    models.DealStatusAwaitingPayment,
			ActorType: models.ActorSystem,
		}); err != nil {
			return nil, err
		}
	}
	return s.EnsureDepositAddress(ctx, dealID)
}

// EnsureDepositAddress generates and stores a deposit address for a deal
// awaiting payment that has none. It returns the deal as stored afterwards.
func (s *Service) EnsureDepositAddress(ctx context.Context, dealID uuid.UUID) (*models.Deal, error) {
	d, err := s.store.GetByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DealStatusAwaitingPayment || d.DepositAddress != nil {
		return d, nil
	}

	addr, subwallet, err := s.wallet.GenerateDepositAddress(ctx, dealID, d.AmountNano)
	if err != nil {
		return nil, fmt.Errorf("generate deposit address for %s: %w", dealID, err)
	}
	set, err := s.store.SetDepositAddress(ctx, dealID, addr, subwallet)
	if err != nil {
		return nil, fmt.Errorf("store deposit address: %w", err)
	}
	if !set {
		// Another caller stored one first; theirs wins.
		return s.store.GetByID(ctx, dealID)
	}
	d.DepositAddress = &addr
	d.SubwalletID = &subwallet
	s.log.WithField("deal_id", dealID).Info("deposit address assigned")
	return d, nil
}

// SyncOwner points a live deal at its channel's current owner.
func (s *Service) SyncOwner(ctx context.Context, dealID uuid.UUID) (bool, error) {
	d, err := s.store.GetByID(ctx, dealID)
	if err != nil {
		return false, err
	}
	if d.Status.IsTerminal() {
		return false, nil
	}
	current, err := s.owners.ChannelOwner(ctx, d.ChannelID)
	if err != nil {
		return false, fmt.Errorf("lookup owner of channel %d: %w", d.ChannelID, err)
	}
	if current == d.OwnerID {
		return false, nil
	}
	return s.reassign(ctx, d, current)
}

// SyncChannelOwner moves every live deal of a channel to newOwnerID.
func (s *Service) SyncChannelOwner(ctx context.Context, channelID, newOwnerID int64) (int, error) {
	deals, err := s.store.ListActiveByChannel(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("list deals of channel %d: %w", channelID, err)
	}
	moved := 0
	for i := range deals {
		if deals[i].OwnerID == newOwnerID {
			continue
		}
		ok, err := s.reassign(ctx, &deals[i], newOwnerID)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}
	return moved, nil
}

func (s *Service) reassign(ctx context.Context, d *models.Deal, newOwnerID int64) (bool, error) {
	ok, err := s.store.ReassignOwner(ctx, d.ID, d.OwnerID, newOwnerID)
	if err != nil {
		return false, fmt.Errorf("reassign owner of %s: %w", d.ID, err)
	}
	if ok {
		s.log.WithFields(logrus.Fields{
			"deal_id":   d.ID,
			"old_owner": d.OwnerID,
			"new_owner": newOwnerID,
		}).Info("deal owner reassigned")
	}
	return ok, nil
}

// SubmitCreative stores the owner's creative and moves FUNDED -> CREATIVE_SUBMITTED.
func (s *Service) SubmitCreative(ctx context.Context, dealID uuid.UUID, ownerID int64, c *models.Creative) (TransitionResult, error) {
	if c == nil || c.Text == "" {
		return TransitionResult{}, fmt.Errorf("%w: creative text", ErrMissingRequiredField)
	}
	d, err := s.store.GetByID(ctx, dealID)
	if err != nil {
		return TransitionResult{}, err
	}
	if d.Status == models.DealStatusFunded {
		if err := s.store.SetCreative(ctx, dealID, c); err != nil {
			return TransitionResult{}, fmt.Errorf("store creative: %w", err)
		}
	}
	return s.engine.Transition(ctx, TransitionRequest{
		DealID:    dealID,
		Target:    models.DealStatusCreativeSubmitted,
		ActorID:   &ownerID,
		ActorType: models.ActorChannelOwner,
	})
}

// Schedule fixes the publication time and moves CREATIVE_APPROVED -> SCHEDULED.
func (s *Service) Schedule(ctx context.Context, dealID uuid.UUID, ownerID int64, at time.Time) (TransitionResult, error) {
	d, err := s.store.GetByID(ctx, dealID)
	if err != nil {
		return TransitionResult{}, err
	}
	if d.Status == models.DealStatusCreativeApproved {
		if err := s.store.SetSchedule(ctx, dealID, at); err != nil {
			return TransitionResult{}, fmt.Errorf("store schedule: %w", err)
		}
	}
	return s.engine.Transition(ctx, TransitionRequest{
		DealID:    dealID,
		Target:    models.DealStatusScheduled,
		ActorID:   &ownerID,
		ActorType: models.ActorChannelOwner,
	})
}

// MarkPublished records where the post landed and moves the deal to PUBLISHED.
func (s *Service) MarkPublished(ctx context.Context, dealID uuid.UUID, messageID int64, contentHash string, publishedAt time.Time) (TransitionResult, error) {
	if messageID == 0 || contentHash == "" {
		return TransitionResult{}, fmt.Errorf("%w: message id and content hash", ErrMissingRequiredField)
	}
	if err := s.store.SetPublication(ctx, dealID, messageID, contentHash, publishedAt); err != nil {
		return TransitionResult{}, fmt.Errorf("store publication: %w", err)
	}
	return s.engine.Transition(ctx, TransitionRequest{
		DealID:    dealID,
		Target:    models.DealStatusPublished,
		ActorType: models.ActorSystem,
	})
}
