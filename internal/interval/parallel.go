package interval

import (
	"context"
	"runtime"
	"sort"
)

const maxWorkers = 8

type pairJob struct {
	index  int
	events []Event
}

type pairResult struct {
	index     int
	intervals []Interval
}

// PairAll pairs events like Pair, fanning partitions out over a
// bounded worker pool. Partitions are independent, so the result
// equals Pair's output regardless of scheduling: intervals are
// ordered by partition key, then by start. workers <= 0 picks a
// pool size from the CPU count.
func PairAll(
	ctx context.Context, events []Event,
	stream Stream, window *Window, workers int,
) ([]Interval, error) {
	parts := partition(events, stream)
	if len(parts) == 0 {
		return nil, ctx.Err()
	}
	if workers <= 0 {
		workers = min(max(runtime.NumCPU(), 2), maxWorkers)
	}
	workers = min(workers, len(parts))

	jobs := make(chan pairJob, len(parts))
	results := make(chan pairResult, len(parts))

	for range workers {
		go func() {
			for j := range jobs {
				if ctx.Err() != nil {
					results <- pairResult{index: j.index}
					continue
				}
				results <- pairResult{
					index:     j.index,
					intervals: Pair(j.events, stream, window),
				}
			}
		}()
	}

	for i, p := range parts {
		jobs <- pairJob{index: i, events: p}
	}
	close(jobs)

	byIndex := make([][]Interval, len(parts))
	for range parts {
		r := <-results
		byIndex[r.index] = r.intervals
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Interval
	for _, ivs := range byIndex {
		out = append(out, ivs...)
	}
	return out, nil
}

// partition groups stream events by key, in key order.
func partition(events []Event, stream Stream) [][]Event {
	groups := make(map[Key][]Event)
	for _, ev := range events {
		if ev.Type != stream.Start && ev.Type != stream.End {
			continue
		}
		k := Key{EntityID: ev.EntityID, SecondaryKey: ev.SecondaryKey}
		groups[k] = append(groups[k], ev)
	}
	keys := make([]Key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	parts := make([][]Event, len(keys))
	for i, k := range keys {
		parts[i] = groups[k]
	}
	return parts
}
