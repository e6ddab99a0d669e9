// Package advisor recommends group-size changes from live queue telemetry.
// It is advisory only: nothing here mutates the shift.
package advisor

import (
	"fmt"
	"math"
)

const (
	MinGroupSize = 1
	MaxGroupSize = 5

	highWaitMinutes     = 18
	buildingWaitMinutes = 10
)

type Suggestion struct {
	Suggested *int    `json:"suggested_group_size"`
	Reason    *string `json:"suggestion_reason"`
}

// Suggest applies the rules in order; the first matching rule wins.
// It never suggests outside [MinGroupSize, MaxGroupSize].
func Suggest(current, queueCount int, avgWaitMinutes float64) Suggestion {
	// Not enough standby performers to fill the current group: shrink.
	if queueCount > 0 && queueCount < current {
		return suggestion(queueCount,
			fmt.Sprintf("Underfilled (%d/%d). Consider lowering group size.", queueCount, current))
	}
	if queueCount == 0 {
		return Suggestion{}
	}
	if avgWaitMinutes > highWaitMinutes && current < MaxGroupSize {
		return suggestion(min(MaxGroupSize, current+2),
			fmt.Sprintf("Average wait is high (%dm). Consider increasing group size.", roundMinutes(avgWaitMinutes)))
	}
	if avgWaitMinutes > buildingWaitMinutes && current < MaxGroupSize {
		return suggestion(min(MaxGroupSize, current+1),
			fmt.Sprintf("Wait is building (%dm avg). Consider increasing group size.", roundMinutes(avgWaitMinutes)))
	}
	return Suggestion{}
}

func suggestion(size int, reason string) Suggestion {
	return Suggestion{Suggested: &size, Reason: &reason}
}

func roundMinutes(v float64) int {
	return int(math.Round(v))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
