package hmacauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultSignatureHeader = "X-Request-Signature"
	DefaultTimestampHeader = "X-Request-Timestamp"
	DefaultCallerHeader    = "X-Caller-Address"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrInvalidCaller    = errors.New("missing or malformed caller address")
)

// Verifier authenticates requests and binds the calling principal to the
// request context.
//
// When Principal is set every verified request acts as that principal (admin
// and bridge routes). Otherwise the principal is read from CallerHeader, which
// is covered by the signature. An empty Secret disables signature checks.
type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	Now             func() time.Time
	SignatureHeader string
	TimestampHeader string
	CallerHeader    string
	Principal       common.Address
}

type principalKey struct{}

// WithPrincipal returns ctx carrying caller.
func WithPrincipal(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, principalKey{}, caller)
}

// PrincipalFrom returns the principal bound by the middleware.
func PrincipalFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(principalKey{}).(common.Address)
	return caller, ok
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	caller, callerHeader, err := v.caller(r)
	if err != nil {
		return common.Address{}, err
	}
	if v.Secret == "" {
		return caller, nil
	}

	sig := r.Header.Get(v.signatureHeader())
	if sig == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(v.timestampHeader())
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	expected := Sign(v.Secret, tsHeader, callerHeader, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return common.Address{}, ErrInvalidSignature
	}
	return caller, nil
}

// caller resolves the principal and returns the raw header value that the
// signature must cover (empty for fixed-principal verifiers).
func (v *Verifier) caller(r *http.Request) (common.Address, string, error) {
	if (v.Principal != common.Address{}) {
		return v.Principal, "", nil
	}
	raw := r.Header.Get(v.callerHeader())
	if !common.IsHexAddress(raw) {
		return common.Address{}, "", ErrInvalidCaller
	}
	return common.HexToAddress(raw), raw, nil
}

func (v *Verifier) signatureHeader() string {
	if v.SignatureHeader != "" {
		return v.SignatureHeader
	}
	return DefaultSignatureHeader
}

func (v *Verifier) timestampHeader() string {
	if v.TimestampHeader != "" {
		return v.TimestampHeader
	}
	return DefaultTimestampHeader
}

func (v *Verifier) callerHeader() string {
	if v.CallerHeader != "" {
		return v.CallerHeader
	}
	return DefaultCallerHeader
}

// Sign computes the hex HMAC-SHA256 over timestamp, caller and body.
func Sign(secret, timestamp, caller string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(caller))
	mac.Write(body)
	return strings.ToLower(hex.EncodeToString(mac.Sum(nil)))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	return body, nil
}
