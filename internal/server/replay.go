package server

import (
	"context"
	"net/http"
	"time"

	"intentrails/internal/idempotency"
)

// claim reserves key for body before a side-effecting handler runs. When it
// returns false the response is already written: a stored reply was replayed,
// the key was reused for another body, or the same request is still running.
func (s *Server) claim(w http.ResponseWriter, r *http.Request, key string, body []byte, count func(string)) bool {
	reservation := idempotency.Reservation(body, time.Now(), s.cfg.Service.IdempotencyWindow)
	existing, err := s.store.Reserve(r.Context(), key, reservation)
	if err != nil {
		s.requestLog(r).WithError(err).Error("idempotency store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "IdempotencyUnavailable", Message: "cannot reserve idempotency key"})
		count("store_error")
		return false
	}
	switch {
	case existing == nil:
		return true
	case !existing.Matches(body):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "IdempotencyConflict", Message: idempotency.ErrKeyReused.Error()})
		count("conflict")
	case existing.Pending():
		writeJSON(w, http.StatusConflict, errorResponse{Error: "RequestInProgress", Message: "a request with this key is still running"})
		count("in_progress")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		count("cached")
	}
	return false
}

// complete replaces the reservation with the reply to replay.
func (s *Server) complete(r *http.Request, key string, body []byte, status int, resp []byte) {
	now := time.Now()
	err := s.store.Save(detached(r), key, idempotency.Record{
		StatusCode:  status,
		Response:    resp,
		Fingerprint: idempotency.Fingerprint(body),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	})
	if err != nil {
		s.requestLog(r).WithError(err).WithField("key", key).Error("failed to persist idempotency record")
	}
}

// release frees the key after a failed request so the client can retry it.
func (s *Server) release(r *http.Request, key string) {
	if err := s.store.Release(detached(r), key); err != nil {
		s.requestLog(r).WithError(err).WithField("key", key).Error("failed to release idempotency key")
	}
}

// detached outlives a client that hung up mid-request.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
