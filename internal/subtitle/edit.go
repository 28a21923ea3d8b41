package subtitle

import "time"

// MergeRange splices replacement into existing over [start, end).
//
// Entries of existing that lie fully outside the range are kept verbatim,
// entries fully inside are dropped, and entries straddling a boundary are
// clipped to it. Only the entries of replacement that overlap the range are
// used, clipped the same way.
func MergeRange(existing, replacement string, start, end time.Duration) string {
	var before, after []string
	for _, block := range splitBlocks(existing) {
		line, ok := parseBlock(block)
		if !ok {
			if len(after) > 0 {
				after = append(after, block)
			} else {
				before = append(before, block)
			}
			continue
		}

		switch {
		case line.EndTime <= start:
			before = append(before, block)
		case line.StartTime >= end:
			after = append(after, block)
		default:
			if line.StartTime < start {
				left := line
				left.EndTime = start
				before = append(before, renderBlock(left))
			}
			if line.EndTime > end {
				right := line
				right.StartTime = end
				after = append(after, renderBlock(right))
			}
		}
	}

	middle := make([]string, 0)
	for _, block := range splitBlocks(replacement) {
		line, ok := parseBlock(block)
		if !ok || line.EndTime <= start || line.StartTime >= end {
			continue
		}
		if line.StartTime >= start && line.EndTime <= end {
			middle = append(middle, block)
			continue
		}
		line.StartTime = max(line.StartTime, start)
		line.EndTime = min(line.EndTime, end)
		middle = append(middle, renderBlock(line))
	}

	blocks := make([]string, 0, len(before)+len(middle)+len(after))
	blocks = append(blocks, before...)
	blocks = append(blocks, middle...)
	blocks = append(blocks, after...)
	return joinBlocks(blocks)
}

// TruncateBefore keeps only the entries ending at or before t.
func TruncateBefore(existing string, t time.Duration) string {
	kept := make([]string, 0)
	for _, block := range splitBlocks(existing) {
		line, ok := parseBlock(block)
		if !ok || line.EndTime > t {
			continue
		}
		kept = append(kept, block)
	}
	return joinBlocks(kept)
}
