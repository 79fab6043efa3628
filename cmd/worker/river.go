package main

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/config"
	"github.com/lonmstalker/advert-market-sub000/internal/outbox"
)

// newRiverClient wires the outbox relay and the delivery router into River.
// The relay inserts delivery jobs through the client it runs on, so its
// insert func is bound after the client exists.
func newRiverClient(pool *pgxpool.Pool, store *outbox.Store, delivery *outbox.DeliveryWorker, cfg *config.Config, log logrus.FieldLogger) (*river.Client[pgx.Tx], error) {
	var insertMu sync.Mutex
	var insertFn outbox.InsertDeliveryTxFunc
	insertDelivery := func(ctx context.Context, tx pgx.Tx, args outbox.DeliveryArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	relay := outbox.NewRelay(pool, store, insertDelivery, cfg.OutboxRelayBatch, cfg.OutboxMaxRetries, log)

	workers := river.NewWorkers()
	river.AddWorker(workers, outbox.NewRelayWorker(relay))
	river.AddWorker(workers, delivery)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      workers,
		ErrorHandler: outbox.NewErrorLogger(log),
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.OutboxRelayInterval),
				func() (river.JobArgs, *river.InsertOpts) { return outbox.RelayArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, err
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args outbox.DeliveryArgs) error {
		_, err := client.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()
	return client, nil
}
