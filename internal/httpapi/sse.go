package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/translation-orchestrator/internal/jobs"
	"github.com/MimeLyc/translation-orchestrator/internal/queue"
)

// handleQueueStream pushes the queue after every change and the current
// job after every job update. Slow clients only see the latest state.
func (s *Server) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	itemUpdates := make(chan []*queue.Item, 1)
	jobUpdates := make(chan *jobs.Job, 1)

	// Listeners run under the scheduler and executor locks: never block.
	unsubscribeQueue := s.queue.Subscribe(func(items []*queue.Item) {
		replaceLatest(itemUpdates, items)
	})
	defer unsubscribeQueue()
	unsubscribeJobs := s.jobs.Subscribe(func(job *jobs.Job) {
		replaceLatest(jobUpdates, job)
	})
	defer unsubscribeJobs()

	send := func(event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send("job", map[string]any{"job": s.jobs.Current()}) {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case items := <-itemUpdates:
			if !send("queue", queueResponse{AutoProcess: s.queue.AutoProcess(), Items: items}) {
				return
			}
		case job := <-jobUpdates:
			if !send("job", map[string]any{"job": job}) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replaceLatest leaves v as the only pending value of ch.
func replaceLatest[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
