package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/sheetmarket-system/internal/currency"
	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

// PayPalAdapter проводит платежи PayPal через выделенный канал PortOne.
// PayPal принимает только USD, поэтому сумма заказа конвертируется из KRW
// по зафиксированному снимку курсов: покупатель видит ровно ту сумму,
// которая будет списана.
type PayPalAdapter struct {
	baseURL       string
	merchantID    string
	apiKey        string
	webhookSecret string
	channel       string
	converter     *currency.Converter
	httpClient    *http.Client
}

// NewPayPalAdapter создаёт адаптер PayPal. Канал живёт в том же кабинете
// PortOne, поэтому webhook-секрет у них общий.
func NewPayPalAdapter(baseURL, merchantID, apiKey, webhookSecret, channel string, converter *currency.Converter, timeout time.Duration) *PayPalAdapter {
	return &PayPalAdapter{
		baseURL:       strings.TrimRight(baseURL, "/"),
		merchantID:    merchantID,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		channel:       channel,
		converter:     converter,
		httpClient:    newHTTPClient(timeout),
	}
}

// Provider возвращает тег провайдера.
func (a *PayPalAdapter) Provider() model.PaymentProvider {
	return model.ProviderPayPal
}

// Supports сообщает, обслуживает ли адаптер указанный способ оплаты.
func (a *PayPalAdapter) Supports(method model.PaymentMethod) bool {
	return method == model.MethodPayPal
}

type paypalSessionRequest struct {
	MerchantID  string  `json:"merchant_id"`
	Channel     string  `json:"channel"`
	MerchantUID string  `json:"merchant_uid"`
	Name        string  `json:"name"`
	AmountUSD   float64 `json:"amount_usd"`
	ReturnURL   string  `json:"return_url,omitempty"`
	BuyerLogin  string  `json:"buyer_login,omitempty"`
}

type paypalSessionResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Response struct {
		PaypalOrderID string `json:"paypal_order_id"`
		ApprovalURL   string `json:"approval_url"`
	} `json:"response"`
}

// CreateSession создаёт PayPal-заказ и возвращает ссылку подтверждения.
func (a *PayPalAdapter) CreateSession(ctx context.Context, req PaymentRequest) (*Session, error) {
	if a.baseURL == "" || a.merchantID == "" || a.apiKey == "" || a.channel == "" {
		return nil, ErrNotConfigured
	}

	amountCents, err := a.converter.Convert(req.AmountKRW, model.CurrencyUSD)
	if err != nil {
		return nil, fmt.Errorf("convert to USD: %w", err)
	}

	body, err := json.Marshal(paypalSessionRequest{
		MerchantID:  a.merchantID,
		Channel:     a.channel,
		MerchantUID: req.OrderID,
		Name:        req.Description,
		AmountUSD:   float64(amountCents) / 100,
		ReturnURL:   req.ReturnTarget,
		BuyerLogin:  req.BuyerLogin,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/paypal/orders", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("paypal session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSessionRejected, resp.StatusCode)
	}

	var parsed paypalSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}

	if parsed.Code != 0 || parsed.Response.PaypalOrderID == "" {
		return nil, fmt.Errorf("%w: %s", ErrSessionRejected, parsed.Message)
	}

	return &Session{
		TransactionID:   parsed.Response.PaypalOrderID,
		RedirectURL:     parsed.Response.ApprovalURL,
		ChargedAmount:   amountCents,
		ChargedCurrency: model.CurrencyUSD,
	}, nil
}

type paypalWebhook struct {
	ImpUID        string  `json:"imp_uid"`
	PaypalOrderID string  `json:"paypal_order_id"`
	MerchantUID   string  `json:"merchant_uid"`
	Status        string  `json:"status"`
	PaidAmount    float64 `json:"paid_amount"`
	Currency      string  `json:"currency"`
}

// ParseWebhook нормализует уведомление PayPal-канала. Тело разбирается
// только после проверки HMAC-подписи webhook-секретом.
//
// Цепочка идентификатора транзакции: paypal_order_id -> imp_uid.
// Цепочка идентификатора заказа: merchant_uid.
func (a *PayPalAdapter) ParseWebhook(header http.Header, body []byte) (*model.PaymentSignal, error) {
	if err := verifyWebhookSignature(a.webhookSecret, header, body); err != nil {
		return nil, err
	}

	var wh paypalWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("decode paypal webhook: %w", err)
	}

	transactionID := wh.PaypalOrderID
	if transactionID == "" {
		transactionID = wh.ImpUID
	}

	if transactionID == "" && wh.MerchantUID == "" {
		return nil, fmt.Errorf("paypal webhook carries no identifiers")
	}

	outcome := model.OutcomeFailure
	if wh.Status == "paid" || wh.Status == "COMPLETED" {
		outcome = model.OutcomeSuccess
	}

	paidCurrency := model.Currency(wh.Currency)
	if paidCurrency == "" {
		paidCurrency = model.CurrencyUSD
	}

	return &model.PaymentSignal{
		OrderID:         wh.MerchantUID,
		Provider:        model.ProviderPayPal,
		TransactionID:   transactionID,
		Outcome:         outcome,
		ChargedAmount:   minorUnits(wh.PaidAmount, paidCurrency),
		ChargedCurrency: paidCurrency,
		Source:          model.SourceWebhook,
		Raw:             string(body),
	}, nil
}
