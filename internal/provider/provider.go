// Package provider содержит адаптеры платёжных провайдеров.
//
// Каждый адаптер превращает внутренний PaymentRequest в провайдер-специфичную
// сессию и нормализует webhook провайдера в общий платёжный сигнал.
// Провайдеры взаимоисключающие в рамках одного заказа: смешанная оплата
// не поддерживается.
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

var (
	// ErrNotConfigured возвращается, если у провайдера нет обязательной
	// конфигурации. Ошибка фатальна и обнаруживается до создания сессии.
	ErrNotConfigured = errors.New("payment provider is not configured")
	// ErrSessionRejected возвращается, если провайдер отклонил создание сессии.
	// Заказ остаётся в статусе pending, покупатель может повторить попытку.
	ErrSessionRejected = errors.New("provider rejected payment session")
	// ErrUnsupportedMethod возвращается, если способ оплаты не обслуживается
	// ни одним адаптером.
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	// ErrNoWebhook возвращается адаптерами без серверных уведомлений.
	ErrNoWebhook = errors.New("provider does not send webhooks")
	// ErrBadSignature возвращается для уведомления с отсутствующей или
	// неверной подписью. Такое уведомление не несёт платёжного сигнала.
	ErrBadSignature = errors.New("webhook signature verification failed")
)

// PaymentRequest — внутренний запрос на создание платёжной сессии.
type PaymentRequest struct {
	OrderID     string
	OrderNumber string
	// AmountKRW — сумма заказа в базовой валюте.
	AmountKRW int64
	// Currency — валюта списания у провайдера.
	Currency    model.Currency
	Method      model.PaymentMethod
	Description string
	BuyerLogin  string
	// ReturnTarget — адрес возврата покупателя после оплаты.
	ReturnTarget string
	// DepositorName — имя плательщика для безналичного перевода.
	DepositorName string
}

// VirtualAccount — реквизиты для ручного безналичного перевода.
type VirtualAccount struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	Depositor     string `json:"depositor"`
}

// Session — результат создания платёжной сессии у провайдера.
type Session struct {
	// TransactionID — идентификатор транзакции провайдера. Обязан быть
	// долговечно сохранён у заказа до возврата управления браузеру.
	TransactionID string
	// RedirectURL — адрес страницы оплаты провайдера, если сессия
	// редиректная.
	RedirectURL string
	// ChargedAmount и ChargedCurrency — фактическая сумма списания
	// в минорных единицах валюты провайдера.
	ChargedAmount   int64
	ChargedCurrency model.Currency
	// VirtualAccount заполняется только для ручного перевода.
	VirtualAccount *VirtualAccount
}

// Adapter — единый контракт платёжного провайдера.
type Adapter interface {
	// Provider возвращает тег провайдера.
	Provider() model.PaymentProvider
	// Supports сообщает, обслуживает ли адаптер указанный способ оплаты.
	Supports(method model.PaymentMethod) bool
	// CreateSession открывает платёжную сессию у провайдера.
	CreateSession(ctx context.Context, req PaymentRequest) (*Session, error)
	// ParseWebhook проверяет подлинность серверного уведомления провайдера
	// и нормализует его в общий платёжный сигнал. Уведомление с неверной
	// подписью отклоняется с ErrBadSignature до разбора тела.
	ParseWebhook(header http.Header, body []byte) (*model.PaymentSignal, error)
}

// Registry выбирает адаптер по способу оплаты или по тегу провайдера.
type Registry struct {
	adapters []Adapter
}

// NewRegistry создаёт реестр из переданных адаптеров.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// ForMethod возвращает адаптер, обслуживающий способ оплаты.
func (r *Registry) ForMethod(method model.PaymentMethod) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Supports(method) {
			return a, nil
		}
	}
	return nil, ErrUnsupportedMethod
}

// ForProvider возвращает адаптер по тегу провайдера.
func (r *Registry) ForProvider(provider model.PaymentProvider) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Provider() == provider {
			return a, nil
		}
	}
	return nil, ErrUnsupportedMethod
}

// verifyWebhookSignature проверяет HMAC-SHA256 подпись уведомления.
// Подписывается строка "<timestamp>.<body>" секретом эндпоинта, подпись
// и метка времени приходят в заголовках Webhook-Signature и
// Webhook-Timestamp. Пустой секрет означает ненастроенный эндпоинт:
// такие уведомления отклоняются целиком.
func verifyWebhookSignature(secret string, header http.Header, body []byte) error {
	if secret == "" {
		return ErrNotConfigured
	}
	timestamp := header.Get("Webhook-Timestamp")
	signature := header.Get("Webhook-Signature")
	if timestamp == "" || signature == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// minorUnits переводит сумму в единицах валюты в минорные единицы.
func minorUnits(amount float64, currency model.Currency) int64 {
	switch currency {
	case model.CurrencyKRW, model.CurrencyJPY, model.CurrencyVND, model.CurrencyIDR:
		return int64(amount + 0.5)
	default:
		return int64(amount*100 + 0.5)
	}
}
