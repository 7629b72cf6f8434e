// Package timeouts defines shared timeout constants used across components.
// Centralizing these values prevents drift between component boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// OutboxAck caps the ledger write that records the outcome of an event
// publish. The ack runs detached from the caller's context so a shutdown
// mid-drain cannot leave a published entry unacknowledged.
const OutboxAck = 5 * time.Second

// Shutdown limits how long a server waits for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
