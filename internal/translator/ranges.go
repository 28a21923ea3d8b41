package translator

import (
	"math"
	"sort"
)

// rangeEpsilon absorbs float noise from second/millisecond conversions.
const rangeEpsilon = 0.001

// BatchRanges splits [0, duration) (or the window inside it) into batches of
// batchSeconds. The last batch is shortened to the end of the span.
func BatchRanges(durationSeconds float64, batchSeconds int, window *Range) []Range {
	if batchSeconds <= 0 {
		batchSeconds = DefaultBatchSeconds
	}

	start, end := 0.0, durationSeconds
	if window != nil {
		start = math.Max(0, window.Start)
		if window.End > 0 && (end <= 0 || window.End < end) {
			end = window.End
		}
	}
	if end-start <= rangeEpsilon {
		return nil
	}

	step := float64(batchSeconds)
	ret := make([]Range, 0, int(math.Ceil((end-start)/step)))
	for s := start; s < end-rangeEpsilon; s += step {
		ret = append(ret, Range{Start: s, End: math.Min(s+step, end)})
	}
	return ret
}

// BatchRange returns the index-th batch of the whole video.
func BatchRange(durationSeconds float64, batchSeconds int, index int) (Range, bool) {
	ranges := BatchRanges(durationSeconds, batchSeconds, nil)
	if index < 0 || index >= len(ranges) {
		return Range{}, false
	}
	return ranges[index], true
}

// IsCovered reports whether r lies inside one of the given ranges.
func IsCovered(r Range, covered []Range) bool {
	for _, c := range covered {
		if r.Start >= c.Start-rangeEpsilon && r.End <= c.End+rangeEpsilon {
			return true
		}
	}
	return false
}

// NormalizeRanges sorts ranges and drops duplicates. Adjacent ranges are not
// merged: one range stands for one committed batch.
func NormalizeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := CloneRanges(ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	ret := sorted[:1]
	for _, r := range sorted[1:] {
		last := ret[len(ret)-1]
		if math.Abs(r.Start-last.Start) <= rangeEpsilon && math.Abs(r.End-last.End) <= rangeEpsilon {
			continue
		}
		ret = append(ret, r)
	}
	return ret
}

func CloneRanges(ranges []Range) []Range {
	if ranges == nil {
		return nil
	}
	return append([]Range(nil), ranges...)
}

func CloneRange(r *Range) *Range {
	if r == nil {
		return nil
	}
	tmp := *r
	return &tmp
}
