package core

import "time"

// ComputeSchedule returns count due times starting at start and spaced by
// max(total/count, minInterval). The minimum interval is never violated, even
// when that pushes the last entry past start+total.
func ComputeSchedule(start time.Time, total time.Duration, count int, minInterval time.Duration) []time.Time {
	if count <= 0 {
		return []time.Time{}
	}

	spacing := total / time.Duration(count)
	if spacing < minInterval {
		spacing = minInterval
	}
	// Entries must be strictly ascending at the store's millisecond precision.
	if spacing < time.Millisecond {
		spacing = time.Millisecond
	}

	schedule := make([]time.Time, count)
	for i := range schedule {
		schedule[i] = start.Add(time.Duration(i) * spacing)
	}
	return schedule
}

// FallbackSlot returns the due time appended when a governor gives up on a
// step: one minimum interval after the last scheduled entry, or now when
// nothing remains scheduled.
func FallbackSlot(schedule []time.Time, minInterval time.Duration, now time.Time) time.Time {
	if len(schedule) == 0 {
		return now
	}
	return schedule[len(schedule)-1].Add(minInterval)
}
