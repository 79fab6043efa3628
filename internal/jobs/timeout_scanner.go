// Package jobs runs the periodic background work: expiring deals whose
// deadline passed, on a cron schedule, under a cluster-wide lock.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/deal"
	"github.com/lonmstalker/advert-market-sub000/internal/models"
)

// TimeoutScanLockKey guards the scan so one worker runs it at a time.
const TimeoutScanLockKey = "lock:deal-timeout-scan"

// ExpiredFinder lists live deals whose deadline is at or before now.
type ExpiredFinder interface {
	FindExpired(ctx context.Context, now time.Time, limit int) ([]models.Deal, error)
}

type ScanResult struct {
	Expired int
	Skipped int
	Failed  int
}

type TimeoutScanner struct {
	deals   ExpiredFinder
	engine  deal.Transitioner
	lock    Lock
	lockTTL time.Duration
	batch   int
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewTimeoutScanner(deals ExpiredFinder, engine deal.Transitioner, lock Lock, lockTTL time.Duration, batch int, log logrus.FieldLogger) *TimeoutScanner {
	return &TimeoutScanner{
		deals:   deals,
		engine:  engine,
		lock:    lock,
		lockTTL: lockTTL,
		batch:   batch,
		log:     log.WithField("component", "timeout_scanner"),
		now:     time.Now,
	}
}

// Scan expires up to one batch of overdue deals. If another worker holds the
// lock it returns immediately with an empty result.
func (s *TimeoutScanner) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	token, ok, err := s.lock.Acquire(ctx, TimeoutScanLockKey, s.lockTTL)
	if err != nil {
		return res, err
	}
	if !ok {
		s.log.Debug("scan lock held elsewhere, skipping")
		return res, nil
	}
	defer func() {
		released, err := s.lock.Release(context.WithoutCancel(ctx), TimeoutScanLockKey, token)
		if err != nil {
			s.log.WithError(err).Warn("release scan lock")
		} else if !released {
			s.log.Warn("scan lock expired before release")
		}
	}()

	expired, err := s.deals.FindExpired(ctx, s.now().UTC(), s.batch)
	if err != nil {
		return res, err
	}
	for _, d := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		log := s.log.WithFields(logrus.Fields{"deal_id": d.ID, "status": d.Status})
		out, err := s.engine.Transition(ctx, deal.TransitionRequest{
			DealID:    d.ID,
			Target:    models.DealStatusExpired,
			ActorType: models.ActorSystem,
			Reason:    "deadline passed",
		})
		switch {
		case err == nil && out.Outcome == deal.OutcomeSuccess:
			res.Expired++
		case err == nil:
			res.Skipped++
		case errors.Is(err, deal.ErrInvalidTransition), errors.Is(err, deal.ErrActorNotAllowed):
			log.WithError(err).Warn("deal moved on before expiry")
			res.Skipped++
		default:
			log.WithError(err).Error("expire deal")
			res.Failed++
		}
	}
	if len(expired) > 0 {
		s.log.WithFields(logrus.Fields{
			"expired": res.Expired,
			"skipped": res.Skipped,
			"failed":  res.Failed,
		}).Info("timeout scan finished")
	}
	return res, nil
}
