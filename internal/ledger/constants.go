package ledger

import "time"

const (
	operationAppend      = "append"
	operationAppendEvent = "append_event"
	operationReserve     = "reserve"
	operationCommit      = "commit"
	operationRelease     = "release"
	operationSweep       = "sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultReservationTTL bounds holds whose caller never resolves them.
	DefaultReservationTTL = 5 * time.Minute

	// DefaultSweepBatchSize caps expired reservations handled per sweep pass.
	DefaultSweepBatchSize = 100
)
