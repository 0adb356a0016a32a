package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-shellgate/internal/api/middleware"
	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/recording"
	"github.com/kubilitics/kubilitics-shellgate/internal/service"
)

// SearchRecordings handles GET /recordings
func (h *Handler) SearchRecordings(w http.ResponseWriter, r *http.Request) {
	f, err := parseRecordingFilter(r.URL.Query())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	recs, err := h.recordingAPI().Search(r.Context(), middleware.CallerFromContext(r.Context()), f)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*models.Recording{}
	}
	respondJSON(w, http.StatusOK, recs)
}

// RecordingStats handles GET /recordings/stats
func (h *Handler) RecordingStats(w http.ResponseWriter, r *http.Request) {
	f, err := parseRecordingFilter(r.URL.Query())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	stats, err := h.recordingAPI().Stats(r.Context(), middleware.CallerFromContext(r.Context()), f)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// GetRecording handles GET /recordings/{recordingId}
func (h *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := h.recordingAPI().Get(r.Context(), middleware.CallerFromContext(r.Context()), mux.Vars(r)["recordingId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// DeleteRecording handles DELETE /recordings/{recordingId}
func (h *Handler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.recordingAPI().Delete(r.Context(), middleware.CallerFromContext(r.Context()), mux.Vars(r)["recordingId"]); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CleanupRecordings handles POST /recordings/cleanup
func (h *Handler) CleanupRecordings(w http.ResponseWriter, r *http.Request) {
	n, err := h.recordingAPI().CleanupExpired(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// PlaybackRecording handles GET /recordings/{recordingId}/playback. Frames are streamed
// as NDJSON, paced by their recorded offsets divided by speed.
func (h *Handler) PlaybackRecording(w http.ResponseWriter, r *http.Request) {
	opts, err := parsePlaybackOptions(r.URL.Query())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	frames, err := h.recordingAPI().Playback(r.Context(), middleware.CallerFromContext(r.Context()), mux.Vars(r)["recordingId"], opts)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for frame, err := range frames {
		if err != nil {
			// Headers are already sent; the error travels as the last line.
			_ = enc.Encode(map[string]string{"error": "playback interrupted"})
			errorLog.Warn("playback interrupted", "recording_id", mux.Vars(r)["recordingId"], "error", err)
			return
		}
		if err := enc.Encode(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// PlaybackStream handles GET /recordings/{recordingId}/playback/ws: the same paced
// playback as PlaybackRecording, over a WebSocket the peer can stop early.
func (h *Handler) PlaybackStream(w http.ResponseWriter, r *http.Request) {
	if h.streams == nil {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeUnavailable, "playback streaming is disabled")
		return
	}
	opts, err := parsePlaybackOptions(r.URL.Query())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	frames, err := h.recordingAPI().Playback(ctx, middleware.CallerFromContext(r.Context()), mux.Vars(r)["recordingId"], opts)
	if err != nil {
		cancel()
		respondServiceError(w, r, err)
		return
	}
	h.streams.Stream(w, r, frames, cancel)
}

// ExportRecording handles GET /recordings/{recordingId}/export?format=&metadata=&compress=
func (h *Handler) ExportRecording(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := recording.ExportOptions{
		Format:          recording.Format(strings.ToLower(q.Get("format"))),
		IncludeMetadata: q.Get("metadata") != "false",
		Compress:        q.Get("compress") == "true",
	}
	out, err := h.recordingAPI().Export(r.Context(), middleware.CallerFromContext(r.Context()), mux.Vars(r)["recordingId"], opts)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	ct := out.ContentType
	if out.Binary {
		ct = "application/gzip"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Data)
}

func (h *Handler) recordingAPI() RecordingAPI {
	if h.recordings == nil {
		return service.NewRecordingService(nil, nil)
	}
	return h.recordings
}

func parseRecordingFilter(q url.Values) (models.RecordingFilter, error) {
	f := models.RecordingFilter{
		SessionID: q.Get("session_id"),
		ClusterID: q.Get("cluster_id"),
		Namespace: q.Get("namespace"),
		Pod:       q.Get("pod"),
	}
	var err error
	if f.StartedAfter, err = parseTimeParam(q, "started_after"); err != nil {
		return f, err
	}
	if f.StartedBefore, err = parseTimeParam(q, "started_before"); err != nil {
		return f, err
	}
	if f.Limit, err = parseIntParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseIntParam(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func parsePlaybackOptions(q url.Values) (recording.PlaybackOptions, error) {
	opts := recording.PlaybackOptions{Speed: 1}
	if v := q.Get("speed"); v != "" {
		s, err := strconv.ParseFloat(v, 64)
		if err != nil || s <= 0 || s > 100 {
			return opts, invalidParam("speed")
		}
		opts.Speed = s
	}
	for _, name := range []string{"start_ms", "end_ms"} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return opts, invalidParam(name)
		}
		if name == "start_ms" {
			opts.StartMs = &n
		} else {
			opts.EndMs = &n
		}
	}
	n, err := parseIntParam(q, "max_frames")
	if err != nil {
		return opts, err
	}
	opts.MaxFrames = n
	if v := q.Get("kinds"); v != "" {
		for _, k := range strings.Split(v, ",") {
			kind := models.FrameKind(strings.TrimSpace(k))
			if !kind.Valid() {
				return opts, invalidParam("kinds")
			}
			opts.Kinds = append(opts.Kinds, kind)
		}
	}
	return opts, nil
}

func parseTimeParam(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, invalidParam(name)
	}
	return &t, nil
}

func parseIntParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, invalidParam(name)
	}
	return n, nil
}

func invalidParam(name string) error {
	return fmt.Errorf("%w: invalid %s", models.ErrInvalidRequest, name)
}
