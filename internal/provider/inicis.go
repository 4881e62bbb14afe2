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

// InicisAdapter — прямая интеграция с KG Inicis: карты, переводы в реальном
// времени и виртуальные счета. Сессия оформляется провайдер-хостингом формы.
type InicisAdapter struct {
	baseURL    string
	merchantID string
	signKey    string
	httpClient *http.Client
}

// NewInicisAdapter создаёт адаптер KG Inicis.
func NewInicisAdapter(baseURL, merchantID, signKey string, timeout time.Duration) *InicisAdapter {
	return &InicisAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		merchantID: merchantID,
		signKey:    signKey,
		httpClient: newHTTPClient(timeout),
	}
}

// Provider возвращает тег провайдера.
func (a *InicisAdapter) Provider() model.PaymentProvider {
	return model.ProviderInicis
}

// Supports сообщает, обслуживает ли адаптер указанный способ оплаты.
// Карточные платежи по умолчанию идут через PortOne, поэтому Inicis
// подключается реестром только там, где PortOne не настроен.
func (a *InicisAdapter) Supports(method model.PaymentMethod) bool {
	return method == model.MethodCard || method == model.MethodVirtualAccount
}

type inicisInitRequest struct {
	MID       string `json:"mid"`
	OID       string `json:"oid"`
	Price     int64  `json:"price"`
	GoodName  string `json:"goodname"`
	BuyerName string `json:"buyername,omitempty"`
	ReturnURL string `json:"returnUrl,omitempty"`
	SignKey   string `json:"signKey"`
}

type inicisInitResponse struct {
	ResultCode string `json:"resultCode"`
	ResultMsg  string `json:"resultMsg"`
	TID        string `json:"tid"`
	PayURL     string `json:"payUrl"`
}

// CreateSession инициализирует платёж у KG Inicis.
func (a *InicisAdapter) CreateSession(ctx context.Context, req PaymentRequest) (*Session, error) {
	if a.baseURL == "" || a.merchantID == "" || a.signKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(inicisInitRequest{
		MID:       a.merchantID,
		OID:       req.OrderNumber,
		Price:     req.AmountKRW,
		GoodName:  req.Description,
		BuyerName: req.BuyerLogin,
		ReturnURL: req.ReturnTarget,
		SignKey:   a.signKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal init request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/stdpay/init", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inicis init request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSessionRejected, resp.StatusCode)
	}

	var parsed inicisInitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode init response: %w", err)
	}

	if parsed.ResultCode != "0000" || parsed.TID == "" {
		return nil, fmt.Errorf("%w: %s", ErrSessionRejected, parsed.ResultMsg)
	}

	return &Session{
		TransactionID:   parsed.TID,
		RedirectURL:     parsed.PayURL,
		ChargedAmount:   req.AmountKRW,
		ChargedCurrency: model.CurrencyKRW,
	}, nil
}

type inicisWebhook struct {
	TID    string `json:"tid"`
	PTID   string `json:"P_TID"`
	OID    string `json:"oid"`
	POID   string `json:"P_OID"`
	MOID   string `json:"MOID"`
	Status string `json:"P_STATUS"`
	Result string `json:"resultCode"`
	Amount int64  `json:"P_AMT"`
}

// ParseWebhook нормализует уведомление KG Inicis. Подпись проверяется
// ключом signKey, тем же, что подписывает инициализацию платежа.
//
// Цепочка идентификатора транзакции: tid -> P_TID.
// Цепочка идентификатора заказа: oid -> P_OID -> MOID
// (уведомление переводов несёт только legacy-поля P_*).
func (a *InicisAdapter) ParseWebhook(header http.Header, body []byte) (*model.PaymentSignal, error) {
	if err := verifyWebhookSignature(a.signKey, header, body); err != nil {
		return nil, err
	}

	var wh inicisWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("decode inicis webhook: %w", err)
	}

	transactionID := wh.TID
	if transactionID == "" {
		transactionID = wh.PTID
	}

	orderRef := wh.OID
	if orderRef == "" {
		orderRef = wh.POID
	}
	if orderRef == "" {
		orderRef = wh.MOID
	}

	if transactionID == "" && orderRef == "" {
		return nil, fmt.Errorf("inicis webhook carries no identifiers")
	}

	outcome := model.OutcomeFailure
	if wh.Status == "00" || wh.Result == "0000" {
		outcome = model.OutcomeSuccess
	}

	return &model.PaymentSignal{
		OrderID:         orderRef,
		Provider:        model.ProviderInicis,
		TransactionID:   transactionID,
		Outcome:         outcome,
		ChargedAmount:   wh.Amount,
		ChargedCurrency: model.CurrencyKRW,
		Source:          model.SourceWebhook,
		Raw:             string(body),
	}, nil
}
