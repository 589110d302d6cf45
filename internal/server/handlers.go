package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sw33tLie/casefile/pkg/engine"
	"github.com/sw33tLie/casefile/pkg/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrInvalidOwner):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.Log.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleCaseFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.Engine.CaseFiles(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if files == nil {
		files = []storage.CaseFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.List(r.Context(), r.PathValue("owner")))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScanBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	res, err := s.Engine.Submit(r.Context(), r.PathValue("owner"), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.Engine.Get(r.Context(), r.PathValue("owner"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch storage.Patch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScanBytes)).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	owner, id := r.PathValue("owner"), r.PathValue("id")
	if err := s.Engine.Update(r.Context(), owner, id, patch); err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.Engine.Get(r.Context(), owner, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Delete(r.Context(), r.PathValue("owner"), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	changes, err := s.Engine.RecentChanges(r.Context(), r.PathValue("owner"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if changes == nil {
		changes = []storage.Change{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// handleStream pushes one "snapshot" event per delivery. A slow client only
// ever sees the newest snapshot; older undelivered ones are dropped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	owner := r.PathValue("owner")
	mailbox := make(chan []storage.Entry, 1)
	cancel, err := s.Engine.Subscribe(owner, func(entries []storage.Entry) {
		select {
		case <-mailbox:
		default:
		}
		mailbox <- entries
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	every := s.heartbeat
	if every <= 0 {
		every = heartbeatInterval
	}
	heartbeat := time.NewTicker(every)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.Log.Debugf("Stream for %s closed: %v", owner, ctx.Err())
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case entries := <-mailbox:
			data, err := json.Marshal(entries)
			if err != nil {
				s.Log.Warnf("Failed to marshal snapshot for %s: %v", owner, err)
				continue
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
