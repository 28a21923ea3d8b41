package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MimeLyc/translation-orchestrator/internal/config"
	"github.com/MimeLyc/translation-orchestrator/internal/jobs"
	"github.com/MimeLyc/translation-orchestrator/internal/queue"
	"github.com/go-chi/chi/v5"
)

type queueResponse struct {
	AutoProcess bool          `json:"auto_process"`
	Items       []*queue.Item `json:"items"`
}

func (s *Server) queueSnapshot() queueResponse {
	return queueResponse{
		AutoProcess: s.queue.AutoProcess(),
		Items:       s.queue.List(),
	}
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queueSnapshot())
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	item, created, err := s.queue.Enqueue(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"created": created,
		"item":    item,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var opts queue.StartOptions
	if err := decodeOptional(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.queue.Start(id, opts); err != nil {
		writeJobError(w, err)
		return
	}
	s.writeItem(w, id)
}

// itemAction serves the actions that only need the item id.
func (s *Server) itemAction(action func(Queue, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := action(s.queue, id); err != nil {
			writeJobError(w, err)
			return
		}
		s.writeItem(w, id)
	}
}

type retranslateRequest struct {
	BatchIndex *int                  `json:"batch_index"`
	Mode       queue.RetranslateMode `json:"mode"`
}

func (s *Server) handleRetranslate(w http.ResponseWriter, r *http.Request) {
	var req retranslateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.BatchIndex == nil {
		writeError(w, http.StatusBadRequest, "batch_index is required")
		return
	}
	if req.Mode == "" {
		req.Mode = queue.RetranslateSingle
	}

	id := chi.URLParam(r, "id")
	if err := s.queue.RetranslateBatch(id, *req.BatchIndex, req.Mode); err != nil {
		writeJobError(w, err)
		return
	}
	s.writeItem(w, id)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Remove(chi.URLParam(r, "id")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.StartAll(); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.queueSnapshot())
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.queue.StopAll()
	writeJSON(w, http.StatusOK, s.queueSnapshot())
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.ResumeAll(); err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.queueSnapshot())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"job": s.jobs.Current(),
	})
}

// handleDeleteJob stops the processing job, or clears a finished one. A
// job that belongs to a queue item is stopped through the queue so the
// item is paused instead of failed.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job := s.jobs.Current()
	if job == nil {
		writeError(w, http.StatusNotFound, "no job")
		return
	}

	if job.Status != jobs.StatusProcessing {
		writeJSON(w, http.StatusOK, map[string]any{
			"cleared": s.jobs.ClearCompletedJob(job.VideoKey),
		})
		return
	}

	if item, ok := s.queue.GetByVideoKey(job.VideoKey); ok {
		if err := s.queue.Stop(item.ID); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "video_key": job.VideoKey})
			return
		}
	}
	result := s.jobs.Abort(job.VideoKey)
	writeJSON(w, http.StatusOK, map[string]any{
		"stopped":   result.Aborted,
		"video_key": job.VideoKey,
	})
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req queue.DirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if req.Config != nil {
		if err := req.Config.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	text, err := s.queue.TranslateDirect(r.Context(), req)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text": text,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	var req config.RuntimeSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.settings.Update(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) writeItem(w http.ResponseWriter, id string) {
	item, ok := s.queue.Get(id)
	if !ok {
		// Removed by the action itself.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func statusForError(err error) int {
	var jobErr *jobs.Error
	if !errors.As(err, &jobErr) {
		return http.StatusInternalServerError
	}
	switch jobErr.Kind {
	case jobs.KindNotFound:
		return http.StatusNotFound
	case jobs.KindAlreadyRunning, jobs.KindBusy, jobs.KindInvalidState, jobs.KindAborted:
		return http.StatusConflict
	case jobs.KindNoConfig:
		return http.StatusPreconditionFailed
	case jobs.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
