package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

// PortOneAdapter проводит карточные платежи и платежи KakaoPay через
// платёжный шлюз PortOne. Сессия редиректная: покупатель уходит на страницу
// оплаты и возвращается на ReturnTarget.
type PortOneAdapter struct {
	baseURL       string
	merchantID    string
	apiKey        string
	webhookSecret string
	httpClient    *http.Client
}

// NewPortOneAdapter создаёт адаптер PortOne.
func NewPortOneAdapter(baseURL, merchantID, apiKey, webhookSecret string, timeout time.Duration) *PortOneAdapter {
	return &PortOneAdapter{
		baseURL:       strings.TrimRight(baseURL, "/"),
		merchantID:    merchantID,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		httpClient:    newHTTPClient(timeout),
	}
}

// Provider возвращает тег провайдера.
func (a *PortOneAdapter) Provider() model.PaymentProvider {
	return model.ProviderPortOne
}

// Supports сообщает, обслуживает ли адаптер указанный способ оплаты.
func (a *PortOneAdapter) Supports(method model.PaymentMethod) bool {
	return method == model.MethodCard || method == model.MethodKakaoPay ||
		method == model.MethodVirtualAccount
}

type portOneSessionRequest struct {
	MerchantID  string `json:"merchant_id"`
	MerchantUID string `json:"merchant_uid"`
	PayMethod   string `json:"pay_method"`
	Name        string `json:"name"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	BuyerLogin  string `json:"buyer_login,omitempty"`
	RedirectURL string `json:"m_redirect_url,omitempty"`
}

type portOneSessionResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Response struct {
		SessionID   string `json:"session_id"`
		RedirectURL string `json:"redirect_url"`
	} `json:"response"`
}

// CreateSession регистрирует платёж у PortOne и возвращает редиректную сессию.
// Сумма фиксируется при регистрации: шлюз отклонит оплату с другой суммой.
func (a *PortOneAdapter) CreateSession(ctx context.Context, req PaymentRequest) (*Session, error) {
	if a.baseURL == "" || a.merchantID == "" || a.apiKey == "" {
		return nil, ErrNotConfigured
	}

	payMethod := "card"
	switch req.Method {
	case model.MethodKakaoPay:
		payMethod = "kakaopay"
	case model.MethodVirtualAccount:
		payMethod = "vbank"
	}

	body, err := json.Marshal(portOneSessionRequest{
		MerchantID:  a.merchantID,
		MerchantUID: req.OrderID,
		PayMethod:   payMethod,
		Name:        req.Description,
		Amount:      req.AmountKRW,
		Currency:    string(model.CurrencyKRW),
		BuyerLogin:  req.BuyerLogin,
		RedirectURL: req.ReturnTarget,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/payments/session", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("portone session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSessionRejected, resp.StatusCode)
	}

	var parsed portOneSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}

	if parsed.Code != 0 || parsed.Response.SessionID == "" {
		return nil, fmt.Errorf("%w: %s", ErrSessionRejected, parsed.Message)
	}

	return &Session{
		TransactionID:   parsed.Response.SessionID,
		RedirectURL:     parsed.Response.RedirectURL,
		ChargedAmount:   req.AmountKRW,
		ChargedCurrency: model.CurrencyKRW,
	}, nil
}

type portOneWebhook struct {
	ImpUID      string  `json:"imp_uid"`
	MerchantUID string  `json:"merchant_uid"`
	PgTID       string  `json:"pg_tid"`
	Status      string  `json:"status"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	CustomData  struct {
		OrderID string `json:"order_id"`
	} `json:"custom_data"`
}

// ParseWebhook нормализует уведомление PortOne. Тело разбирается только
// после проверки HMAC-подписи webhook-секретом.
//
// Цепочка идентификатора транзакции: imp_uid -> pg_tid.
// Цепочка идентификатора заказа: merchant_uid -> custom_data.order_id.
func (a *PortOneAdapter) ParseWebhook(header http.Header, body []byte) (*model.PaymentSignal, error) {
	if err := verifyWebhookSignature(a.webhookSecret, header, body); err != nil {
		return nil, err
	}

	var wh portOneWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("decode portone webhook: %w", err)
	}

	transactionID := wh.ImpUID
	if transactionID == "" {
		transactionID = wh.PgTID
	}

	orderID := wh.MerchantUID
	if orderID == "" {
		orderID = wh.CustomData.OrderID
	}

	if transactionID == "" && orderID == "" {
		return nil, fmt.Errorf("portone webhook carries no identifiers")
	}

	outcome := model.OutcomeFailure
	if wh.Status == "paid" {
		outcome = model.OutcomeSuccess
	}

	currency := model.Currency(wh.Currency)
	if currency == "" {
		currency = model.CurrencyKRW
	}

	return &model.PaymentSignal{
		OrderID:         orderID,
		Provider:        model.ProviderPortOne,
		TransactionID:   transactionID,
		Outcome:         outcome,
		ChargedAmount:   minorUnits(wh.Amount, currency),
		ChargedCurrency: currency,
		Source:          model.SourceWebhook,
		Raw:             string(body),
	}, nil
}
