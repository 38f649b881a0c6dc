package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type chainRequest struct {
	ChainID uint64 `json:"chainId"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type timeoutRequest struct {
	TimeoutSeconds int64 `json:"timeoutSeconds"`
}

// adminAction runs an owner-gated mutation and reports it uniformly.
func (s *Server) adminAction(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, owner common.Address) error) {
	owner, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err := fn(r.Context(), owner); err != nil {
		s.metrics.IncAdmin(action, "rejected")
		s.requestLog(r).WithError(err).WithField("action", action).Warn("admin action rejected")
		writeError(w, err)
		return
	}
	s.metrics.IncAdmin(action, "success")
	s.requestLog(r).WithField("action", action).Info("admin action applied")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": action})
}

func (s *Server) handleAddChain(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	var payload chainRequest
	if err := decode(body, &payload); err != nil {
		badRequest(w, err.Error())
		return
	}
	s.adminAction(w, r, "add_chain", func(ctx context.Context, owner common.Address) error {
		return s.validator.AddSupportedChain(ctx, owner, payload.ChainID)
	})
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	var payload tokenRequest
	if err := decode(body, &payload); err != nil {
		badRequest(w, err.Error())
		return
	}
	token, err := parseAddress("token", payload.Token)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	s.adminAction(w, r, "add_token", func(ctx context.Context, owner common.Address) error {
		return s.validator.AddSupportedToken(ctx, owner, token)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.adminAction(w, r, "pause", s.executor.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.adminAction(w, r, "unpause", s.executor.Unpause)
}

func (s *Server) handleSetTimeout(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	var payload timeoutRequest
	if err := decode(body, &payload); err != nil {
		badRequest(w, err.Error())
		return
	}
	if payload.TimeoutSeconds < 0 {
		badRequest(w, "timeoutSeconds must not be negative")
		return
	}
	s.adminAction(w, r, "set_timeout", func(ctx context.Context, owner common.Address) error {
		return s.settlements.SetTimeoutPeriod(ctx, owner, time.Duration(payload.TimeoutSeconds)*time.Second)
	})
}
