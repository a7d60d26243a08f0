package tripcache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const maxControlBody = 1 << 20

// Handler routes control endpoints under the configured prefix and hands
// every other request to the dispatcher.
func (s *Service) Handler() http.Handler {
	p := s.cfg.Server.ControlPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+p+"status", s.handleStatus)
	mux.HandleFunc("POST "+p+"sync", s.handleSync)
	mux.HandleFunc("POST "+p+"push", s.handlePush)
	mux.HandleFunc("GET "+p+"queue", s.handleQueueList)
	mux.HandleFunc("POST "+p+"queue", s.handleQueueAdd)
	mux.HandleFunc("DELETE "+p+"queue/{id}", s.handleQueueDelete)
	mux.Handle("GET "+p+"clients", s.hub)
	mux.Handle("GET "+p+"metrics", s.metrics.Handler())
	mux.Handle("/", s.dispatcher)
	return mux
}

type statusResponse struct {
	State      string `json:"state"`
	Generation string `json:"generation"`
	Pending    int    `json:"pending"`
	Dead       int    `json:"dead"`
	Clients    int    `json:"clients"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.Len(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	dead, err := s.dead.Len(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		State:      s.lifecycle.State().String(),
		Generation: s.cfg.Cache.Version,
		Pending:    pending,
		Dead:       dead,
		Clients:    s.hub.Len(),
	})
}

type syncRequest struct {
	Tag string `json:"tag"`
}

type syncResponse struct {
	ReplayReport
	Error string `json:"error,omitempty"`
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Tag == "" {
		req.Tag = s.cfg.Sync.Tag
	}
	rep, err := s.replayer.HandleSync(r.Context(), req.Tag)
	switch {
	case errors.Is(err, ErrUnknownSyncTag):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ErrReplayInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil && rep.Attempted == 0 && rep.Deferred == 0:
		writeError(w, http.StatusInternalServerError, err)
	case err != nil:
		writeJSON(w, http.StatusOK, syncResponse{ReplayReport: rep, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, syncResponse{ReplayReport: rep})
	}
}

type pushResponse struct {
	Notification Notification `json:"notification"`
	Delivered    bool         `json:"delivered"`
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.bridge.HandlePush(r.Context(), payload)
	if err != nil {
		if errors.Is(err, ErrNoClients) {
			writeJSON(w, http.StatusAccepted, pushResponse{Notification: n})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{Notification: n, Delivered: true})
}

func (s *Service) handleQueueList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.queue.ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []PendingWrite{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type enqueueRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
	Tag  string          `json:"tag"`
}

func (s *Service) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.queue.Enqueue(r.Context(), PendingWrite{ID: req.ID, Data: req.Data, Tag: req.Tag})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidRecord) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	if n, err := s.queue.Len(r.Context()); err == nil {
		s.metrics.SetQueueDepth(n)
	}
	s.log.Debug("pending write queued", zap.String("id", rec.ID))
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Service) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing id"))
		return
	}
	if err := s.queue.DeleteByID(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
