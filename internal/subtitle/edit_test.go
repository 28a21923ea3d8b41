package subtitle

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// threeBatchStream builds entries at 0-10s, 100-110s, ... inside each of
// three 600s batches; the text carries the batch number.
func threeBatchStream(prefix string, batches int) string {
	lines := make([]Line, 0)
	idx := 1
	for b := 0; b < batches; b++ {
		for k := 0; k < 3; k++ {
			start := time.Duration(b*600+k*100) * time.Second
			lines = append(lines, Line{
				Index:     idx,
				StartTime: start,
				EndTime:   start + 10*time.Second,
				Text:      fmt.Sprintf("%s batch%d line%d", prefix, b+1, k),
			})
			idx++
		}
	}
	return Format(lines)
}

func TestMergeRange_ReplacesOnlyTargetBatch(t *testing.T) {
	existing := threeBatchStream("old", 3)
	replacement := threeBatchStream("new", 3)

	merged := MergeRange(existing, replacement, 600*time.Second, 1200*time.Second)

	before := splitBlocks(existing)
	after := splitBlocks(merged)
	require.Len(t, after, 9)

	// batch 1 and batch 3 entries are byte-identical
	for _, i := range []int{0, 1, 2, 6, 7, 8} {
		assert.Equal(t, before[i], after[i], "entry %d", i)
	}
	for _, i := range []int{3, 4, 5} {
		assert.Contains(t, after[i], "new batch2")
	}
	assert.NotContains(t, merged, "old batch2")
	assert.NotContains(t, merged, "new batch1")
	assert.NotContains(t, merged, "new batch3")
}

func TestMergeRange_ClipsStraddlingEntries(t *testing.T) {
	existing := "1\n00:09:55,000 --> 00:10:05,000\nacross start\n\n2\n00:19:58,000 --> 00:20:03,000\nacross end\n"
	replacement := "7\n00:09:50,000 --> 00:10:02,000\nnew head\n\n8\n00:15:00,000 --> 00:15:02,000\nnew mid\n"

	merged := MergeRange(existing, replacement, 600*time.Second, 1200*time.Second)
	entries := Entries(merged)
	require.Len(t, entries, 4)

	assert.Equal(t, "across start", entries[0].Text)
	assert.Equal(t, 595*time.Second, entries[0].StartTime)
	assert.Equal(t, 600*time.Second, entries[0].EndTime)

	assert.Equal(t, "new head", entries[1].Text)
	assert.Equal(t, 600*time.Second, entries[1].StartTime)
	assert.Equal(t, 602*time.Second, entries[1].EndTime)

	assert.Equal(t, "new mid", entries[2].Text)

	assert.Equal(t, "across end", entries[3].Text)
	assert.Equal(t, 1200*time.Second, entries[3].StartTime)
	assert.Equal(t, 1203*time.Second, entries[3].EndTime)
}

func TestMergeRange_EmptyExisting(t *testing.T) {
	replacement := "1\n00:00:01,000 --> 00:00:02,000\nhello\n"
	merged := MergeRange("", replacement, 0, 600*time.Second)
	assert.Equal(t, replacement, merged)
}

func TestTruncateBefore_FromSecondBatch(t *testing.T) {
	existing := threeBatchStream("old", 5)

	truncated := TruncateBefore(existing, 1200*time.Second)
	entries := Entries(truncated)
	require.Len(t, entries, 6)
	for _, e := range entries {
		assert.LessOrEqual(t, e.EndTime, 1200*time.Second)
	}
	assert.True(t, strings.HasPrefix(existing, truncated))
}

func TestTruncateBefore_DropsEntryCrossingCut(t *testing.T) {
	existing := "1\n00:00:01,000 --> 00:00:02,000\nkeep\n\n2\n00:09:59,000 --> 00:10:01,000\ndrop\n"
	assert.Equal(t, "1\n00:00:01,000 --> 00:00:02,000\nkeep\n", TruncateBefore(existing, 600*time.Second))
	assert.Equal(t, "", TruncateBefore(existing, 0))
}
