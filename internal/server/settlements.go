package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"intentrails/internal/bridge"
	"intentrails/internal/lifecycle"
	"intentrails/internal/settlement"
)

const deliveryKeyPrefix = "delivery:"

type deliveryResponse struct {
	Status    string      `json:"status"`
	IntentID  uint64      `json:"intentId"`
	MessageID common.Hash `json:"messageId"`
}

// handleBridgeCallback is the HTTP twin of the NATS delivery listener. Replays
// of an already confirmed message id return the stored response; the same
// message id with a different body is a conflict.
func (s *Server) handleBridgeCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bridgePrincipal, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	body, err := readBody(r)
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	var payload bridge.Delivery
	if err := decode(body, &payload); err != nil {
		badRequest(w, err.Error())
		return
	}

	key := deliveryKeyPrefix + payload.MessageID.Hex()
	if !s.claim(w, r, key, body, s.metrics.IncDelivery) {
		return
	}

	log := s.requestLog(r).WithFields(logrus.Fields{"intentId": payload.IntentID, "messageId": payload.MessageID.Hex()})
	if err := s.settlements.VerifyDelivery(ctx, bridgePrincipal, payload.MessageID, payload.IntentID); err != nil {
		s.release(r, key)
		if errors.Is(err, lifecycle.ErrAlreadyProcessed) {
			s.metrics.IncDelivery("duplicate")
		} else {
			s.metrics.IncDelivery("rejected")
		}
		log.WithError(err).Warn("delivery rejected")
		writeError(w, err)
		return
	}

	resp, _ := json.Marshal(deliveryResponse{Status: "confirmed", IntentID: payload.IntentID, MessageID: payload.MessageID})
	s.complete(r, key, body, http.StatusOK, resp)

	log.Info("delivery confirmed")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
	s.metrics.IncDelivery("confirmed")
}

type refundRequest struct {
	User   string `json:"user"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

func (req refundRequest) parse() (common.Address, common.Address, error) {
	user, err := parseAddress("user", req.User)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return user, token, nil
}

func (s *Server) handleSettlementFailure(w http.ResponseWriter, r *http.Request) {
	id, payload, ok := s.refundPayload(w, r)
	if !ok {
		return
	}
	user, token, err := payload.parse()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	owner, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	err = s.settlements.HandleFailure(r.Context(), owner, settlement.FailureRequest{
		IntentID: id,
		User:     user,
		Token:    token,
		Amount:   amount,
		Reason:   payload.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSettlement(w, id)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, payload, ok := s.refundPayload(w, r)
	if !ok {
		return
	}
	user, token, err := payload.parse()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	owner, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if err := s.settlements.InitiateRefund(r.Context(), owner, settlement.RefundRequest{
		IntentID: id,
		User:     user,
		Token:    token,
		Amount:   amount,
	}); err != nil {
		writeError(w, err)
		return
	}
	s.writeSettlement(w, id)
}

func (s *Server) refundPayload(w http.ResponseWriter, r *http.Request) (uint64, refundRequest, bool) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return 0, refundRequest{}, false
	}
	body, err := readBody(r)
	if err != nil {
		badRequest(w, "unreadable body")
		return 0, refundRequest{}, false
	}
	var payload refundRequest
	if err := decode(body, &payload); err != nil {
		badRequest(w, err.Error())
		return 0, refundRequest{}, false
	}
	return id, payload, true
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	owner, err := caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err := s.settlements.ConfirmSettlement(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	s.writeSettlement(w, id)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if _, ok := s.settlements.Settlement(id); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "NotFound", Message: "settlement not found"})
		return
	}
	s.writeSettlement(w, id)
}

type settlementResponse struct {
	settlement.Record
	TimedOut bool   `json:"timedOut"`
	Timeout  string `json:"timeoutPeriod"`
}

func (s *Server) writeSettlement(w http.ResponseWriter, id uint64) {
	rec, ok := s.settlements.Settlement(id)
	if !ok {
		rec = settlement.Record{IntentID: id, Status: s.settlements.GetSettlementStatus(id)}
	}
	writeJSON(w, http.StatusOK, settlementResponse{
		Record:   rec,
		TimedOut: s.settlements.HasTimedOut(id),
		Timeout:  s.settlements.TimeoutPeriod().String(),
	})
}
