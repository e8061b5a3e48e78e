package client

import (
	"time"
)

// Leniency is the fixed slack added to a source's configured frequency
// before an operation becomes eligible again. It keeps browser-triggered
// catch-up requests from duplicating work a scheduled background cycle
// just did, and vice versa.
const Leniency = 15 * time.Minute

// IsOperationReadyToExecute reports whether a source/operation pair is
// due. executed is false when the pair has never run.
func IsOperationReadyToExecute(lastExecution time.Time, executed bool, frequency time.Duration, now time.Time) bool {
	if !executed {
		return true
	}
	return now.Sub(lastExecution) >= frequency+Leniency
}
