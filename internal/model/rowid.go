package model

import (
	"fmt"
	"sync/atomic"
)

// rowSeq is the process-wide monotonic tiebreaker for telemetry row ids.
// Two rows for the same target in the same millisecond still get
// distinct ids.
var rowSeq atomic.Uint64

// NewRowID builds the stable unique id for a telemetry row:
// target id + millisecond timestamp + monotonic tiebreaker.
func NewRowID(targetID string, timestampMs int64) string {
	return fmt.Sprintf("%s-%d-%d", targetID, timestampMs, rowSeq.Add(1))
}
