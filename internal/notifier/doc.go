// Package notifier delivers reminder notifications.
//
// A Dispatcher routes each Message to the sinks registered for its tag. Sinks
// subscribed to "*" receive every message; sinks flagged as default receive
// messages whose tag is empty or matches no sink. When nothing matches, a
// built-in log sink is used so a reminder is never silently dropped.
//
// # Failure policy
//
// Sinks are called concurrently. Each call is bounded by the configured
// timeout and an optional per-sink rate limit. A failed, slow or panicking
// sink is logged and reported in the Result; it never blocks the others and
// Dispatch itself never returns an error.
//
// # Sink kinds
//
//   - log: writes the reminder to the structured log
//   - telegram: sends the text through the Telegram transport
//   - webhook: POSTs a JSON document to a URL
//   - command: runs a local program with the reminder in its environment
package notifier
