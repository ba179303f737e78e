package square

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/ticketstack/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/ticketstack/internal/providers/payment/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	ProviderName   = "square"
	apiVersion     = "2024-09-19"
	defaultTimeout = 12 * time.Second
)

type Config struct {
	AccessToken string
	LocationID  string
	BaseURL     string
	Timeout     time.Duration
}

type Gateway struct {
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Gateway, error) {
	cfg.AccessToken = strings.TrimSpace(cfg.AccessToken)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.AccessToken == "" || cfg.BaseURL == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.Named("payment.square"),
	}, nil
}

func (g *Gateway) Provider() string { return ProviderName }

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type createPaymentRequest struct {
	SourceID       string `json:"source_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountMoney    money  `json:"amount_money"`
	Autocomplete   bool   `json:"autocomplete"`
	LocationID     string `json:"location_id,omitempty"`
	Note           string `json:"note,omitempty"`
}

type squareError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type squarePayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReceiptURL  string `json:"receipt_url"`
	CardDetails *struct {
		Status string `json:"status"`
		Card   struct {
			Brand string `json:"card_brand"`
			Last4 string `json:"last_4"`
		} `json:"card"`
	} `json:"card_details"`
}

type createPaymentResponse struct {
	Payment *squarePayment `json:"payment"`
	Errors  []squareError  `json:"errors"`
}

func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if err := req.Validate(); err != nil {
		return paymentdomain.ChargeResult{}, err
	}

	ctx, span := otel.Tracer("ticketstack/payment").Start(ctx, "square.CreatePayment",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.SafeAttributes(
			attribute.Int64("amount_minor", req.AmountMinor),
			attribute.String("currency", req.Currency),
		)...),
	)
	defer span.End()

	body, err := json.Marshal(createPaymentRequest{
		SourceID:       req.SourceToken,
		IdempotencyKey: req.IdempotencyKey,
		AmountMoney:    money{Amount: req.AmountMinor, Currency: strings.ToUpper(req.Currency)},
		Autocomplete:   true,
		LocationID:     g.cfg.LocationID,
		Note:           req.Note,
	})
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v2/payments", bytes.NewReader(body))
	if err != nil {
		return paymentdomain.ChargeResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Square-Version", apiVersion)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		tracing.RecordError(span, err)
		return paymentdomain.ChargeResult{}, fmt.Errorf("square create payment: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	var payload createPaymentResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&payload)

	if resp.StatusCode >= http.StatusInternalServerError {
		tracing.RecordError(span, paymentdomain.ErrUpstream)
		return paymentdomain.ChargeResult{}, fmt.Errorf("square status %d: %w", resp.StatusCode, paymentdomain.ErrUpstream)
	}
	if decodeErr != nil {
		tracing.RecordError(span, decodeErr)
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidResponse
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidConfig
	}

	if resp.StatusCode >= http.StatusBadRequest || len(payload.Errors) > 0 {
		code := ""
		if len(payload.Errors) > 0 {
			code = strings.TrimSpace(payload.Errors[0].Code)
		}
		result := paymentdomain.ChargeResult{
			Status:        paymentdomain.ChargeFailed,
			DeclineReason: ClassifyErrorCode(code),
			DeclineCode:   code,
		}
		if payload.Payment != nil {
			result.TransactionID = payload.Payment.ID
		}
		g.log.Info("square payment declined",
			zap.Int("status_code", resp.StatusCode),
			zap.String("decline_code", code),
			zap.String("decline_reason", string(result.DeclineReason)),
		)
		return result, nil
	}

	if payload.Payment == nil || strings.TrimSpace(payload.Payment.ID) == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidResponse
	}

	result := paymentdomain.ChargeResult{
		TransactionID: payload.Payment.ID,
		Metadata:      map[string]any{"square_status": payload.Payment.Status},
	}
	if payload.Payment.ReceiptURL != "" {
		result.Metadata["receipt_url"] = payload.Payment.ReceiptURL
	}
	if cd := payload.Payment.CardDetails; cd != nil {
		result.Metadata["card_brand"] = cd.Card.Brand
		result.Metadata["card_last4"] = cd.Card.Last4
	}

	switch strings.ToUpper(payload.Payment.Status) {
	case "COMPLETED":
		result.Status = paymentdomain.ChargeCompleted
	default:
		result.Status = paymentdomain.ChargeFailed
		result.DeclineReason = paymentdomain.DeclineGeneric
		result.DeclineCode = payload.Payment.Status
	}
	return result, nil
}

// ClassifyErrorCode maps Square error codes onto decline categories.
func ClassifyErrorCode(code string) paymentdomain.DeclineReason {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "CARD_DECLINED", "GENERIC_DECLINE", "CARD_DECLINED_CALL_ISSUER",
		"CARD_DECLINED_VERIFICATION_REQUIRED", "TRANSACTION_LIMIT", "CARD_NOT_SUPPORTED":
		return paymentdomain.DeclineCard
	case "INVALID_CARD", "INVALID_CARD_DATA", "INVALID_EXPIRATION", "CVV_FAILURE",
		"ADDRESS_VERIFICATION_FAILURE", "INVALID_POSTAL_CODE", "CARD_EXPIRED", "INVALID_ACCOUNT":
		return paymentdomain.DeclineInvalidInstrument
	case "INSUFFICIENT_FUNDS":
		return paymentdomain.DeclineInsufficientFunds
	case "IDEMPOTENCY_KEY_REUSED", "CARD_TOKEN_EXPIRED", "CARD_TOKEN_USED", "SOURCE_EXPIRED":
		return paymentdomain.DeclineSessionExpired
	default:
		return paymentdomain.DeclineGeneric
	}
}
