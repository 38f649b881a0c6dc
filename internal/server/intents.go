package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"intentrails/internal/executor"
	"intentrails/internal/lifecycle"
	"intentrails/internal/validator"
)

const idempotencyHeader = "X-Idempotency-Key"

type routeRequest struct {
	TokenIn          string `json:"tokenIn"`
	Amount           string `json:"amount"`
	DestinationChain uint64 `json:"destinationChain"`
	Recipient        string `json:"recipient"`
	SwapPayload      string `json:"swapPayload,omitempty"`
}

type routeResponse struct {
	IntentID  uint64                 `json:"intentId"`
	Status    lifecycle.IntentStatus `json:"status"`
	MessageID common.Hash            `json:"messageId"`
}

func (req routeRequest) parse() (executor.RouteRequest, error) {
	token, err := parseAddress("tokenIn", req.TokenIn)
	if err != nil {
		return executor.RouteRequest{}, err
	}
	recipient, err := parseAddress("recipient", req.Recipient)
	if err != nil {
		return executor.RouteRequest{}, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return executor.RouteRequest{}, err
	}
	var payload []byte
	if req.SwapPayload != "" && req.SwapPayload != "0x" {
		payload, err = hexutil.Decode(req.SwapPayload)
		if err != nil {
			return executor.RouteRequest{}, errors.New("swapPayload must be 0x-prefixed hex")
		}
	}
	return executor.RouteRequest{
		TokenIn:          token,
		Amount:           amount,
		DestinationChain: req.DestinationChain,
		Recipient:        recipient,
		SwapPayload:      payload,
	}, nil
}

func (s *Server) handleExecuteRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		badRequest(w, "missing "+idempotencyHeader+" header")
		return
	}
	storeKey := "route:" + user.Hex() + ":" + key

	body, err := readBody(r)
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}

	var payload routeRequest
	if err := decode(body, &payload); err != nil {
		badRequest(w, err.Error())
		return
	}
	req, err := payload.parse()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if !s.claim(w, r, storeKey, body, s.metrics.IncRoute) {
		return
	}

	log := s.requestLog(r).WithFields(logrus.Fields{"user": user.Hex(), "chain": req.DestinationChain})
	id, err := s.executor.ExecuteRoute(ctx, user, req)
	if err != nil {
		s.release(r, storeKey)
		kind, _ := lifecycle.KindOf(err)
		s.metrics.IncRoute(strings.ToLower(string(kind)))
		log.WithError(err).Warn("route execution rejected")
		writeError(w, err)
		return
	}

	intent, _ := s.executor.Intent(id)
	resp, _ := json.Marshal(routeResponse{IntentID: id, Status: intent.Status, MessageID: intent.MessageID})
	s.complete(r, storeKey, body, http.StatusCreated, resp)

	log.WithField("intentId", id).Info("route executed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(resp)
	s.metrics.IncRoute("created")
}

type intentResponse struct {
	executor.Intent
	Settlement lifecycle.SettlementStatus `json:"settlement"`
	TimedOut   bool                       `json:"timedOut"`
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	intent, ok := s.executor.Intent(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "NotFound", Message: "intent not found"})
		return
	}
	writeJSON(w, http.StatusOK, intentResponse{
		Intent:     intent,
		Settlement: s.settlements.GetSettlementStatus(id),
		TimedOut:   s.settlements.HasTimedOut(id),
	})
}

type validateRequest struct {
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	DestinationChain uint64 `json:"destinationChain"`
	Spender          string `json:"spender,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	body, err := readBody(r)
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	var payload validateRequest
	if err := decode(body, &payload); err != nil {
		badRequest(w, err.Error())
		return
	}

	token, err := parseAddress("token", payload.Token)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	spender := s.executor.Self()
	if payload.Spender != "" {
		if spender, err = parseAddress("spender", payload.Spender); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	ok, err := s.validator.Validate(r.Context(), validator.Request{
		User:             user,
		Token:            token,
		Amount:           amount,
		DestinationChain: payload.DestinationChain,
		Spender:          spender,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	user, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	token, err := parseAddress("token", r.URL.Query().Get("token"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	spender := s.executor.Self()
	if raw := r.URL.Query().Get("spender"); raw != "" {
		if spender, err = parseAddress("spender", raw); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	allowance, err := s.validator.CheckAllowance(r.Context(), user, token, spender)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user":      user.Hex(),
		"token":     token.Hex(),
		"spender":   spender.Hex(),
		"allowance": allowance.String(),
	})
}
