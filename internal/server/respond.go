package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"intentrails/internal/hmacauth"
	"intentrails/internal/lifecycle"
)

var errMissingCaller = errors.New("no authenticated caller")

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError reports a lifecycle failure with its kind so clients can branch on it.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := lifecycle.KindOf(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal", Message: err.Error()})
		return
	}
	writeJSON(w, statusFor(kind), errorResponse{Error: string(kind), Message: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: msg})
}

func statusFor(kind lifecycle.Kind) int {
	switch kind {
	case lifecycle.KindUnauthorized:
		return http.StatusForbidden
	case lifecycle.KindInvalidAddress, lifecycle.KindInvalidIntentID, lifecycle.KindInvalidMessageID,
		lifecycle.KindInvalidAmount, lifecycle.KindUnsupportedChain, lifecycle.KindUnsupportedToken,
		lifecycle.KindInsufficientBalance, lifecycle.KindInsufficientAllowance, lifecycle.KindValidationFailed:
		return http.StatusBadRequest
	case lifecycle.KindReentrancyGuard, lifecycle.KindAlreadyProcessed, lifecycle.KindSettlementTimeout:
		return http.StatusConflict
	case lifecycle.KindContractPaused:
		return http.StatusLocked
	case lifecycle.KindSwapFailed, lifecycle.KindBridgeFailed, lifecycle.KindRefundFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func caller(r *http.Request) (common.Address, error) {
	addr, ok := hmacauth.PrincipalFrom(r.Context())
	if !ok {
		return common.Address{}, errMissingCaller
	}
	return addr, nil
}

// readBody drains the request body, capped at 1 MiB.
func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

func decode(body []byte, dst interface{}) error {
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("invalid json payload")
	}
	return nil
}

// parseAddress maps "" to the null principal so lifecycle checks report it.
func parseAddress(field, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s is not a hex address", field)
	}
	return common.HexToAddress(raw), nil
}

// parseAmount reads a base-10 integer amount in token base units.
func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer")
	}
	return amount, nil
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, errors.New("id must be an unsigned integer")
	}
	return id, nil
}
