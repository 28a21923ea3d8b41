package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MimeLyc/translation-orchestrator/internal/queue"
	"github.com/MimeLyc/translation-orchestrator/internal/subtitle"
	"github.com/MimeLyc/translation-orchestrator/internal/translator"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPreviewLimit = 80
	maxPreviewLimit     = 500
)

type itemDetailResponse struct {
	Item          *queue.Item      `json:"item"`
	Progress      progressResponse `json:"progress"`
	Batches       []batchResponse  `json:"batches"`
	Preview       []previewLine    `json:"preview"`
	PreviewOffset int              `json:"preview_offset"`
	PreviewLimit  int              `json:"preview_limit"`
	TotalLines    int              `json:"total_lines"`
}

type progressResponse struct {
	CompletedBatches int     `json:"completed_batches"`
	TotalBatches     int     `json:"total_batches"`
	Percent          float64 `json:"percent"`
}

type batchResponse struct {
	Index int              `json:"index"`
	Range translator.Range `json:"range"`
	Done  bool             `json:"done"`
}

type previewLine struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func (s *Server) handleItemDetail(w http.ResponseWriter, r *http.Request) {
	item, ok := s.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "queue item not found")
		return
	}

	offset := parsePositiveIntWithDefault(r.URL.Query().Get("offset"), 0)
	limit := parsePositiveIntWithDefault(r.URL.Query().Get("limit"), defaultPreviewLimit)
	if limit <= 0 {
		limit = defaultPreviewLimit
	}
	if limit > maxPreviewLimit {
		limit = maxPreviewLimit
	}

	writeJSON(w, http.StatusOK, buildItemDetail(item, offset, limit))
}

func buildItemDetail(item *queue.Item, offset, limit int) itemDetailResponse {
	detail := itemDetailResponse{
		Item:          item,
		Progress:      buildProgress(item),
		Batches:       buildBatches(item),
		Preview:       make([]previewLine, 0),
		PreviewOffset: offset,
		PreviewLimit:  limit,
	}

	lines := subtitle.Entries(item.PartialSrt)
	detail.TotalLines = len(lines)
	if offset >= len(lines) {
		return detail
	}
	end := min(offset+limit, len(lines))
	for _, l := range lines[offset:end] {
		detail.Preview = append(detail.Preview, previewLine{
			Index: l.Index,
			Start: l.StartTime.Seconds(),
			End:   l.EndTime.Seconds(),
			Text:  l.Text,
		})
	}
	return detail
}

func buildProgress(item *queue.Item) progressResponse {
	ret := progressResponse{
		CompletedBatches: item.CompletedBatches,
		TotalBatches:     item.TotalBatches,
	}
	if item.Status == queue.StatusCompleted {
		ret.Percent = 100
		return ret
	}
	if ret.TotalBatches > 0 {
		ret.Percent = float64(ret.CompletedBatches) * 100 / float64(ret.TotalBatches)
	}
	return ret
}

// buildBatches lists the batches of the whole video. Nothing is listed
// before the duration or the batch count is known.
func buildBatches(item *queue.Item) []batchResponse {
	ranges := item.BatchRanges()
	ret := make([]batchResponse, 0, len(ranges))
	for i, rg := range ranges {
		ret = append(ret, batchResponse{
			Index: i,
			Range: rg,
			Done:  item.Status == queue.StatusCompleted || translator.IsCovered(rg, item.CompletedRanges),
		})
	}
	return ret
}

func parsePositiveIntWithDefault(raw string, def int) int {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
