// Package webhooks ingests signed Graph webhook deliveries.
//
// A delivery moves through verify -> normalize -> insert-if-absent -> queued.
// Verification runs over the raw request bytes before anything parses them;
// rejected deliveries never reach normalization or the event store.
// Duplicates collapse on the delivery id derived from the payload and are
// acknowledged without being enqueued again.
package webhooks
