package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Quantillon-Labs/synthengine/internal/access"
	"github.com/Quantillon-Labs/synthengine/internal/engine"
	"github.com/Quantillon-Labs/synthengine/internal/event"
	"github.com/Quantillon-Labs/synthengine/internal/hedger"
	"github.com/Quantillon-Labs/synthengine/internal/oracle"
	"github.com/Quantillon-Labs/synthengine/internal/vault"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type apiHarness struct {
	t   *testing.T
	eng *engine.Engine
	srv *HTTPServer
	reg *access.Registry
	now time.Time
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reg := access.NewRegistry()

	eng := engine.New(engine.Config{
		Clock: func() time.Time { return now },
		Oracle: oracle.Config{
			MinBound:     dec("0.5"),
			MaxBound:     dec("2.0"),
			Source:       "chainlink",
			MaxStaleness: time.Hour,
		},
		Vault: vault.Config{
			MinMint:                 dec("10"),
			MinRedeem:               dec("10"),
			FeeBps:                  10,
			MinCollateralizationBps: 10000,
		},
		Book:        hedger.DefaultConfig(),
		PersistChan: make(chan engine.Output, 256),
		Access:      reg,
		Logger:      zerolog.Nop(),
	})

	srv := NewHTTPServer(":0", eng, nil, nil, nil, zerolog.Nop())
	return &apiHarness{t: t, eng: eng, srv: srv, reg: reg, now: now}
}

func (h *apiHarness) feedPrice(seq int64, value string) {
	h.t.Helper()
	err := h.eng.ApplyPriceUpdate(&event.PriceFeedUpdate{
		Source:      "chainlink",
		Value:       dec(value),
		Sequence:    seq,
		TimestampUs: h.now.UnixMicro(),
	})
	if err != nil {
		h.t.Fatalf("price update seq %d: %v", seq, err)
	}
}

func (h *apiHarness) deposit(account uuid.UUID, seq int64, amount string) {
	h.t.Helper()
	err := h.eng.ApplyDepositConfirmed(&event.ReserveDepositConfirmed{
		DepositID: uuid.New(),
		Account:   account,
		Amount:    dec(amount),
		Sequence:  seq,
		Timestamp: h.now,
	})
	if err != nil {
		h.t.Fatalf("deposit seq %d: %v", seq, err)
	}
}

// do issues a request against the server's handler and decodes the JSON body.
func (h *apiHarness) do(method, path string, actor uuid.UUID, body string) (int, map[string]any) {
	h.t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if actor != uuid.Nil {
		req.Header.Set("X-Actor-ID", actor.String())
	}
	rec := httptest.NewRecorder()
	h.srv.server.Handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		h.t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, decoded
}

func TestMintEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	user := uuid.New()
	h.deposit(user, 0, "1000")
	h.feedPrice(1, "1.08")

	code, body := h.do("POST", "/v1/mint", user, `{"reserve_in":"100"}`)
	if code != http.StatusOK {
		t.Fatalf("mint status = %d, body %v", code, body)
	}
	if body["synthetic_out"] == "" {
		t.Error("expected synthetic_out in response")
	}
	out, err := decimal.NewFromString(body["synthetic_out"].(string))
	if err != nil {
		t.Fatalf("synthetic_out not a decimal: %v", err)
	}
	if out.Sign() <= 0 {
		t.Errorf("synthetic_out = %s, want positive", out)
	}
}

func TestMintEndpoint_MissingActor(t *testing.T) {
	h := newAPIHarness(t)

	code, _ := h.do("POST", "/v1/mint", uuid.Nil, `{"reserve_in":"100"}`)
	if code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", code)
	}
}

func TestMintEndpoint_NoPriceReturns503(t *testing.T) {
	h := newAPIHarness(t)
	user := uuid.New()
	h.deposit(user, 0, "1000")

	code, _ := h.do("POST", "/v1/mint", user, `{"reserve_in":"100"}`)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestMintEndpoint_BadAmount(t *testing.T) {
	h := newAPIHarness(t)
	user := uuid.New()

	code, _ := h.do("POST", "/v1/mint", user, `{"reserve_in":"not-a-number"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	user := uuid.New()
	h.deposit(user, 0, "10000")
	h.feedPrice(1, "1.08")

	code, body := h.do("POST", "/v1/positions", user, `{"margin":"1000","leverage":5}`)
	if code != http.StatusCreated {
		t.Fatalf("open status = %d, body %v", code, body)
	}
	positionID := body["position_id"].(string)
	if _, err := uuid.Parse(positionID); err != nil {
		t.Fatalf("position_id %q: %v", positionID, err)
	}

	code, body = h.do("GET", "/v1/positions/"+positionID, uuid.Nil, "")
	if code != http.StatusOK {
		t.Fatalf("get status = %d, body %v", code, body)
	}
	if body["status"] != "ACTIVE" {
		t.Errorf("status = %v, want ACTIVE", body["status"])
	}

	code, body = h.do("POST", fmt.Sprintf("/v1/positions/%s/close", positionID), user, "")
	if code != http.StatusOK {
		t.Fatalf("close status = %d, body %v", code, body)
	}
	if body["settlement"] == nil {
		t.Error("expected settlement in close response")
	}

	code, _ = h.do("POST", fmt.Sprintf("/v1/positions/%s/close", positionID), user, "")
	if code != http.StatusConflict {
		t.Errorf("second close status = %d, want 409", code)
	}
}

func TestClosePosition_NotOwnerReturns403(t *testing.T) {
	h := newAPIHarness(t)
	owner := uuid.New()
	other := uuid.New()
	h.deposit(owner, 0, "10000")
	h.feedPrice(1, "1.08")

	code, body := h.do("POST", "/v1/positions", owner, `{"margin":"1000","leverage":5}`)
	if code != http.StatusCreated {
		t.Fatalf("open status = %d, body %v", code, body)
	}
	positionID := body["position_id"].(string)

	code, _ = h.do("POST", fmt.Sprintf("/v1/positions/%s/close", positionID), other, "")
	if code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", code)
	}
}

func TestGetPosition_UnknownReturns404(t *testing.T) {
	h := newAPIHarness(t)

	code, _ := h.do("GET", "/v1/positions/"+uuid.NewString(), uuid.Nil, "")
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestCircuitBreakerEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	operator := uuid.New()
	user := uuid.New()
	h.deposit(user, 0, "1000")
	h.feedPrice(1, "1.08")

	code, _ := h.do("POST", "/v1/oracle/circuit-breaker", operator, `{"action":"trip"}`)
	if code != http.StatusForbidden {
		t.Fatalf("trip without role status = %d, want 403", code)
	}

	h.reg.Grant(operator, access.RoleEmergency)
	code, _ = h.do("POST", "/v1/oracle/circuit-breaker", operator, `{"action":"trip"}`)
	if code != http.StatusOK {
		t.Fatalf("trip status = %d, want 200", code)
	}

	code, _ = h.do("POST", "/v1/mint", user, `{"reserve_in":"100"}`)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("mint while tripped status = %d, want 503", code)
	}

	code, _ = h.do("POST", "/v1/oracle/circuit-breaker", operator, `{"action":"invalid"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("invalid action status = %d, want 400", code)
	}
}

func TestOracleStateEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.feedPrice(7, "1.0850")

	code, body := h.do("GET", "/v1/oracle/price", uuid.Nil, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["source"] != "chainlink" {
		t.Errorf("source = %v, want chainlink", body["source"])
	}
	if body["value"] != "1.085" {
		t.Errorf("value = %v, want 1.085", body["value"])
	}
	if body["circuit_broken"] != false {
		t.Errorf("circuit_broken = %v, want false", body["circuit_broken"])
	}
}

func TestVaultMetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	user := uuid.New()
	h.deposit(user, 0, "1000")
	h.feedPrice(1, "1.08")

	code, body := h.do("POST", "/v1/mint", user, `{"reserve_in":"100"}`)
	if code != http.StatusOK {
		t.Fatalf("mint status = %d, body %v", code, body)
	}

	code, body = h.do("GET", "/v1/vault/metrics", uuid.Nil, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	supply, err := decimal.NewFromString(body["synthetic_supply"].(string))
	if err != nil {
		t.Fatalf("synthetic_supply: %v", err)
	}
	if supply.Sign() <= 0 {
		t.Errorf("synthetic_supply = %s, want positive", supply)
	}
}

func TestUpdateBoundsRequiresAdmin(t *testing.T) {
	h := newAPIHarness(t)
	actor := uuid.New()

	code, _ := h.do("POST", "/v1/oracle/bounds", actor, `{"min_bound":"0.8","max_bound":"1.5"}`)
	if code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", code)
	}

	h.reg.Grant(actor, access.RoleAdmin)
	code, _ = h.do("POST", "/v1/oracle/bounds", actor, `{"min_bound":"0.8","max_bound":"1.5"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
}

func TestListPositionsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	user := uuid.New()
	h.deposit(user, 0, "10000")
	h.feedPrice(1, "1.08")

	for i := 0; i < 3; i++ {
		code, body := h.do("POST", "/v1/positions", user, `{"margin":"500","leverage":3}`)
		if code != http.StatusCreated {
			t.Fatalf("open %d status = %d, body %v", i, code, body)
		}
	}

	code, body := h.do("GET", "/v1/positions", uuid.Nil, "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	positions := body["positions"].([]any)
	if len(positions) != 3 {
		t.Errorf("len(positions) = %d, want 3", len(positions))
	}
}
