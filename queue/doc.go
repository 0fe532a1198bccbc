// Package queue provides per-queue admission control for consumer loops.
//
// A [Manager] enforces a token-bucket rate limit (golang.org/x/time/rate)
// and a cap on items processed at once before each dequeue:
//
//	m := queue.NewManager(queue.Config{Name: "emails", RateLimit: 10, MaxConcurrency: 4})
//	release, wait, ok := m.Admit("emails")
//	if !ok {
//	    // retry after wait, or after the current poll delay when wait is 0
//	}
//	defer release()
//
// A throttled loop re-arms without counting a miss. Queues without a
// [Config] are never throttled.
package queue
