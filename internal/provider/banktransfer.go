package provider

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

// BankTransferAdapter оформляет ручной безналичный перевод. Внешнего API нет:
// сессия создаётся локально, покупателю выдаются реквизиты счёта, а оплату
// подтверждает администратор после сверки выписки.
type BankTransferAdapter struct {
	active    bool
	bankName  string
	account   string
	depositor string
}

// NewBankTransferAdapter создаёт адаптер ручного перевода.
func NewBankTransferAdapter(active bool, bankName, account, depositor string) *BankTransferAdapter {
	return &BankTransferAdapter{
		active:    active,
		bankName:  bankName,
		account:   account,
		depositor: depositor,
	}
}

// Provider возвращает тег провайдера.
func (a *BankTransferAdapter) Provider() model.PaymentProvider {
	return model.ProviderBankTransfer
}

// Supports сообщает, обслуживает ли адаптер указанный способ оплаты.
func (a *BankTransferAdapter) Supports(method model.PaymentMethod) bool {
	return method == model.MethodBankTransfer
}

// CreateSession выдаёт реквизиты счёта и локальный идентификатор перевода.
// Идентификатор привязывается к заказу так же, как идентификаторы внешних
// провайдеров: дальнейшая сверка идёт единым путём.
func (a *BankTransferAdapter) CreateSession(_ context.Context, req PaymentRequest) (*Session, error) {
	if !a.active {
		return nil, ErrNotConfigured
	}

	return &Session{
		TransactionID:   "bank-" + uuid.NewString(),
		ChargedAmount:   req.AmountKRW,
		ChargedCurrency: model.CurrencyKRW,
		VirtualAccount: &VirtualAccount{
			BankName:      a.bankName,
			AccountNumber: a.account,
			Depositor:     a.depositor,
		},
	}, nil
}

// ParseWebhook всегда возвращает ErrNoWebhook: банк уведомлений не шлёт,
// оплату подтверждает администратор вручную.
func (a *BankTransferAdapter) ParseWebhook(_ http.Header, _ []byte) (*model.PaymentSignal, error) {
	return nil, ErrNoWebhook
}
