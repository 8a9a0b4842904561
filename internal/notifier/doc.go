// Package notifier is the async chat delivery pipeline: a bounded queue,
// a worker pool, a token-bucket rate limit, retry with backoff and a short
// dedup window.
//
// Reminders routed to a telegram dispatch service are queued here, so a
// slow or throttled chat API never blocks the minute tick. Delivery goes
// through a transport.Adapter.
package notifier
