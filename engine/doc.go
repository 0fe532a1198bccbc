// Package engine wires all taskhost subsystems together and provides the
// application-level API for registering and enqueuing work.
//
// The engine package exists to break an import cycle: the root taskhost
// package defines descriptors and errors imported by every subsystem and
// therefore cannot import them back. Engine sits above all subsystem
// packages and below the application layer.
//
// # Building an Orchestrator
//
//	o, err := engine.New(
//	    engine.WithStore(pgStore),
//	    engine.WithLogger(logger),
//	    engine.WithExtension(myExtension),
//	    engine.WithQueueConfig(queue.Config{Name: "email", MaxConcurrency: 4}),
//	)
//
// # Registering Work
//
//	// Queue consumers
//	engine.RegisterQueueJob[Email](o, taskhost.QueueDescriptor{
//	    Name: "email", InstanceCount: 3,
//	}, newEmailSender)
//
//	// Scheduled jobs
//	engine.RegisterScheduledJob[DigestState](o, taskhost.ScheduledJobDescriptor{
//	    Name: "digest", Schedule: "*/5 * * * *", Singleton: true,
//	}, newDigestJob)
//
// # Enqueuing Items
//
//	itemID, err := o.Enqueue(ctx, "email", Email{To: "user@example.com"})
//
// # Options
//
//   - [WithStore]: the backing store (required)
//   - [WithLeaseStore]: a separate backend for named locks
//   - [WithConfig]: host-wide defaults
//   - [WithLogger]: the structured logger
//   - [WithHolder]: the identity recorded on leases
//   - [WithLocation]: the time zone for cron schedules
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithPollStrategy]: set the idle polling backoff
//   - [WithQueueConfig]: configure per-queue rate limits and concurrency
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
