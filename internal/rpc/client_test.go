package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32002, Message: "Transaction simulation failed"}

	errStr := err.Error()
	if errStr != "RPC error -32002: Transaction simulation failed" {
		t.Errorf("RPCError.Error() = %q", errStr)
	}

	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "502 Bad Gateway",
			err:        HTTPStatusError{StatusCode: 502},
			wantString: "HTTP 502: Bad Gateway",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "RPC error uses default",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

// rpcServer answers JSON-RPC requests with handler, recording each request.
func rpcServer(t *testing.T, handler func(req JSONRPCRequest) (any, *JSONRPCError)) (*httptest.Server, *[]JSONRPCRequest) {
	t.Helper()
	var seen []JSONRPCRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seen = append(seen, req)

		result, rpcErr := handler(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func testClient(url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return NewHTTPClient(cfg)
}

func TestGetLatestBlockhash(t *testing.T) {
	want := solana.Hash{1, 2, 3, 4}
	srv, seen := rpcServer(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		return map[string]any{
			"context": map[string]any{"slot": 1234},
			"value": map[string]any{
				"blockhash":            want.String(),
				"lastValidBlockHeight": 999,
			},
		}, nil
	})

	bh, err := testClient(srv.URL).GetLatestBlockhash(context.Background())
	if err != nil {
		t.Fatalf("GetLatestBlockhash: %v", err)
	}
	if bh.Hash != want || bh.LastValidBlockHeight != 999 || bh.ContextSlot != 1234 {
		t.Errorf("unexpected blockhash result: %+v", bh)
	}
	if (*seen)[0].Method != "getLatestBlockhash" {
		t.Errorf("method = %s", (*seen)[0].Method)
	}
}

func TestSendTransaction_SkipPreflight(t *testing.T) {
	wantSig := solana.Signature{9, 9, 9}
	rawTx := []byte{0xde, 0xad, 0xbe, 0xef}

	srv, seen := rpcServer(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		return wantSig.String(), nil
	})

	sig, err := testClient(srv.URL).SendTransaction(context.Background(), rawTx, SendOptions{SkipPreflight: true})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if sig != wantSig {
		t.Errorf("signature = %s, want %s", sig, wantSig)
	}

	req := (*seen)[0]
	if req.Method != "sendTransaction" || len(req.Params) != 2 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Params[0] != base64.StdEncoding.EncodeToString(rawTx) {
		t.Errorf("tx param = %v", req.Params[0])
	}
	opts := req.Params[1].(map[string]any)
	if opts["skipPreflight"] != true || opts["encoding"] != "base64" {
		t.Errorf("send options = %v", opts)
	}
	if _, ok := opts["preflightCommitment"]; ok {
		t.Error("preflightCommitment should be omitted when skipping preflight")
	}
}

func TestSendTransaction_RPCErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv, _ := rpcServer(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		calls.Add(1)
		return nil, &JSONRPCError{Code: -32003, Message: "Transaction signature verification failure"}
	})

	_, err := testClient(srv.URL).SendTransaction(context.Background(), []byte{1}, SendOptions{SkipPreflight: true})
	if !isRPCError(err) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("RPC error was retried %d times", calls.Load())
	}
}

func TestCall_RetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.001")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer srv.Close()

	var observed []string
	cfg := DefaultClientConfig(srv.URL)
	cfg.InitialBackoff = time.Millisecond
	cfg.Observer = func(method string, success bool, _ time.Duration) {
		if success {
			observed = append(observed, method)
		}
	}

	result, err := NewHTTPClient(cfg).Call(context.Background(), "getHealth", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `"ok"` {
		t.Errorf("result = %s", result)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
	if len(observed) != 1 || observed[0] != "getHealth" {
		t.Errorf("observer saw %v", observed)
	}
}

func TestGetSignatureStatuses(t *testing.T) {
	sigA := solana.Signature{1}
	sigB := solana.Signature{2}

	srv, seen := rpcServer(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
		return map[string]any{
			"context": map[string]any{"slot": 50},
			"value": []any{
				map[string]any{"slot": 12, "confirmations": nil, "confirmationStatus": "finalized", "err": nil},
				nil,
			},
		}, nil
	})

	statuses, err := testClient(srv.URL).GetSignatureStatuses(context.Background(), []solana.Signature{sigA, sigB})
	if err != nil {
		t.Fatalf("GetSignatureStatuses: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	if statuses[0] == nil || statuses[0].Slot != 12 || statuses[0].Failed() {
		t.Errorf("status[0] = %+v", statuses[0])
	}
	if statuses[1] != nil {
		t.Errorf("status[1] = %+v, want nil", statuses[1])
	}

	sigs := (*seen)[0].Params[0].([]any)
	if sigs[0] != sigA.String() || sigs[1] != sigB.String() {
		t.Errorf("signatures sent = %v", sigs)
	}
}

func TestGetSignatureStatuses_Limits(t *testing.T) {
	c := testClient("http://127.0.0.1:0")

	got, err := c.GetSignatureStatuses(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("empty query = (%v, %v), want (nil, nil)", got, err)
	}

	_, err = c.GetSignatureStatuses(context.Background(), make([]solana.Signature, MaxStatusBatch+1))
	if err == nil || !strings.Contains(err.Error(), "too many signatures") {
		t.Errorf("expected batch limit error, got %v", err)
	}
}

func TestSignatureStatusFailed(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{raw: ``, want: false},
		{raw: `null`, want: false},
		{raw: `{"InstructionError":[0,"InvalidArgument"]}`, want: true},
	}
	for _, tt := range tests {
		s := &SignatureStatus{Err: json.RawMessage(tt.raw)}
		if got := s.Failed(); got != tt.want {
			t.Errorf("Failed(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		rpcErr  *JSONRPCError
		wantErr bool
	}{
		{name: "ok", result: "ok"},
		{name: "behind", rpcErr: &JSONRPCError{Code: -32005, Message: "Node is behind by 42 slots"}, wantErr: true},
		{name: "unexpected answer", result: "degraded", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, seen := rpcServer(t, func(req JSONRPCRequest) (any, *JSONRPCError) {
				return tt.result, tt.rpcErr
			})
			err := testClient(srv.URL).Health(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Health() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (*seen)[0].Method != "getHealth" {
				t.Errorf("method = %s", (*seen)[0].Method)
			}
		})
	}
}
