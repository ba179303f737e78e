package square

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	paymentdomain "github.com/smallbiznis/ticketstack/internal/providers/payment/domain"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := New(Config{AccessToken: "sq_test", LocationID: "LOC1", BaseURL: srv.URL + "/"}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

func sampleCharge() paymentdomain.ChargeRequest {
	return paymentdomain.ChargeRequest{
		SourceToken:    "cnon:card-nonce-ok",
		IdempotencyKey: "key-1",
		AmountMinor:    2260,
		Currency:       "cad",
		Note:           "raffle 1 x2",
	}
}

func TestChargeCompleted(t *testing.T) {
	var got createPaymentRequest
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/payments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sq_test" {
			t.Errorf("missing bearer token")
		}
		if r.Header.Get("Square-Version") != apiVersion {
			t.Errorf("missing version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"payment":{"id":"pay_1","status":"COMPLETED","card_details":{"card":{"card_brand":"VISA","last_4":"1111"}}}}`))
	})

	res, err := gw.Charge(context.Background(), sampleCharge())
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !res.Completed() || res.TransactionID != "pay_1" {
		t.Fatalf("expected completed pay_1, got %+v", res)
	}
	if res.Metadata["card_last4"] != "1111" {
		t.Fatalf("expected card metadata, got %v", res.Metadata)
	}
	if got.IdempotencyKey != "key-1" || got.AmountMoney.Amount != 2260 || got.AmountMoney.Currency != "CAD" {
		t.Fatalf("unexpected request body %+v", got)
	}
	if got.LocationID != "LOC1" || !got.Autocomplete {
		t.Fatalf("expected location and autocomplete, got %+v", got)
	}
}

func TestChargeDeclineMapping(t *testing.T) {
	tests := []struct {
		code string
		want paymentdomain.DeclineReason
	}{
		{code: "CARD_DECLINED", want: paymentdomain.DeclineCard},
		{code: "CVV_FAILURE", want: paymentdomain.DeclineInvalidInstrument},
		{code: "INSUFFICIENT_FUNDS", want: paymentdomain.DeclineInsufficientFunds},
		{code: "IDEMPOTENCY_KEY_REUSED", want: paymentdomain.DeclineSessionExpired},
		{code: "SOMETHING_NEW", want: paymentdomain.DeclineGeneric},
	}

	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusPaymentRequired)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]string{{"category": "PAYMENT_METHOD_ERROR", "code": tc.code, "detail": "no"}},
				})
			})
			res, err := gw.Charge(context.Background(), sampleCharge())
			if err != nil {
				t.Fatalf("decline must not be a transport error: %v", err)
			}
			if res.Status != paymentdomain.ChargeFailed || res.DeclineReason != tc.want || res.DeclineCode != tc.code {
				t.Fatalf("got %+v, want reason %s", res, tc.want)
			}
		})
	}
}

func TestChargeUpstreamFailureIsUnknownOutcome(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := gw.Charge(context.Background(), sampleCharge())
	if !errors.Is(err, paymentdomain.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestChargeValidatesRequest(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request must not be sent")
	})
	req := sampleCharge()
	req.SourceToken = ""
	if _, err := gw.Charge(context.Background(), req); !errors.Is(err, paymentdomain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{BaseURL: "https://example.test"}, nil); !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}
