// Package taskhost provides the background task orchestration core of a
// hosting process: queue-triggered work items and cron-triggered scheduled
// jobs executed by any number of host instances against a shared store.
//
// Workers claim items atomically, so an item is processed by at most one
// holder at a time. Singleton scheduled jobs are guarded by named leases
// with expiry. There is no central coordinator beyond the lease store.
//
// # Quick Start
//
//	store := postgres.NewFromPool(pool)
//	o, err := engine.New(engine.WithStore(store))
//
//	engine.RegisterQueueJob[Email](o, taskhost.QueueDescriptor{Name: "email"},
//	    func(*activation.Scope) (engine.QueueHandler[Email], error) {
//	        return &emailSender{}, nil
//	    })
//
//	engine.RegisterScheduledJob[Digest](o, taskhost.ScheduledJobDescriptor{
//	    Name: "digest", Schedule: "*/5 * * * *", Singleton: true,
//	}, newDigestJob)
//
//	err = o.Start(ctx)
//
// # Architecture
//
// Each subsystem (workitem, lease, jobstate) defines its own store
// interface. A single backend implements all of them: store/memory for
// single-process use, and store/postgres, store/bun, store/sqlite and
// store/redis for shared deployments.
//
// All entity IDs are prefixed, K-sortable, UUIDv7-based identifiers.
package taskhost
