// Package model содержит доменные сущности магазина нотных партитур.
package model

import "time"

// User представляет зарегистрированного покупателя или администратора.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	IsAdmin      bool
	Credits      int64
	CreatedAt    time.Time
}

// Currency обозначает валюту расчёта. Базовая валюта системы — KRW.
type Currency string

// Поддерживаемые валюты.
const (
	CurrencyKRW Currency = "KRW"
	CurrencyUSD Currency = "USD"
	CurrencyJPY Currency = "JPY"
	CurrencyCNY Currency = "CNY"
	CurrencyTWD Currency = "TWD"
	CurrencyEUR Currency = "EUR"
	CurrencyBRL Currency = "BRL"
	CurrencyRUB Currency = "RUB"
	CurrencyTHB Currency = "THB"
	CurrencyVND Currency = "VND"
	CurrencyIDR Currency = "IDR"
	CurrencyINR Currency = "INR"
	CurrencyPHP Currency = "PHP"
)

// PaymentMethod описывает выбранный покупателем способ оплаты.
type PaymentMethod string

const (
	MethodCard           PaymentMethod = "card"
	MethodKakaoPay       PaymentMethod = "kakaopay"
	MethodPayPal         PaymentMethod = "paypal"
	MethodVirtualAccount PaymentMethod = "virtual_account"
	MethodBankTransfer   PaymentMethod = "bank_transfer"
	MethodCash           PaymentMethod = "cash"
	// MethodCredits — оплата накопленным внутренним балансом по льготной цене.
	MethodCredits PaymentMethod = "credits"
)

// PaymentProvider описывает провайдера, через которого проводится платёж.
type PaymentProvider string

const (
	ProviderPortOne      PaymentProvider = "portone"
	ProviderPayPal       PaymentProvider = "paypal"
	ProviderInicis       PaymentProvider = "inicis"
	ProviderBankTransfer PaymentProvider = "bank_transfer"
	// ProviderInternal используется при оплате накопленным балансом: деньги
	// не покидают систему, подтверждение синхронное.
	ProviderInternal PaymentProvider = "internal"
)

// OrderStatus описывает статус обычного (каталожного) заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal сообщает, является ли статус заказа конечным.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusFailed || s == OrderStatusCancelled
}

// OrderType различает заказ на партитуры и пополнение баланса.
type OrderType string

const (
	OrderTypeProduct OrderType = "product"
	OrderTypeCash    OrderType = "cash"
)

// Order представляет одно оформление покупки. Сумма фиксируется в момент
// создания заказа в минорных единицах KRW и далее не пересчитывается.
type Order struct {
	ID                 string
	UserID             int64
	Number             string
	Type               OrderType
	TotalAmount        int64
	ChargedAmount      int64
	ChargedCurrency    Currency
	BonusAmount        int64
	Status             OrderStatus
	Method             PaymentMethod
	Provider           PaymentProvider
	TransactionID      string
	DepositorName      string
	PaymentConfirmedAt *time.Time
	Items              []OrderItem
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OrderItem — одна купленная партитура. Цена — снимок на момент покупки.
type OrderItem struct {
	ID                string
	OrderID           string
	SheetID           string
	SheetTitle        string
	FilePath          string
	Price             int64
	DownloadCount     int
	MaxDownloadCount  int
	DownloadExpiresAt *time.Time
}

// CustomOrderStatus описывает статус заказа на индивидуальную аранжировку.
type CustomOrderStatus string

const (
	CustomStatusPending          CustomOrderStatus = "pending"
	CustomStatusQuoted           CustomOrderStatus = "quoted"
	CustomStatusPaymentConfirmed CustomOrderStatus = "payment_confirmed"
	CustomStatusInProgress       CustomOrderStatus = "in_progress"
	CustomStatusCompleted        CustomOrderStatus = "completed"
	CustomStatusCancelled        CustomOrderStatus = "cancelled"
)

// Terminal сообщает, является ли статус индивидуального заказа конечным.
func (s CustomOrderStatus) Terminal() bool {
	return s == CustomStatusCompleted || s == CustomStatusCancelled
}

// CustomOrder представляет заявку на индивидуальную аранжировку.
// Поля готового файла и счётчики скачиваний имеют смысл только после
// перехода в статус completed.
type CustomOrder struct {
	ID                string
	UserID            int64
	SongTitle         string
	Artist            string
	Requirements      string
	Status            CustomOrderStatus
	EstimatedPrice    *int64
	CompletedFilePath string
	DownloadCount     int
	MaxDownloadCount  int
	DownloadExpiresAt *time.Time
	LatestAdminReply  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SenderRole — роль отправителя сообщения в переписке по индивидуальному заказу.
type SenderRole string

const (
	SenderCustomer SenderRole = "customer"
	SenderAdmin    SenderRole = "admin"
)

// Message — одно сообщение двусторонней переписки по индивидуальному заказу.
// Переписка только дописывается, редактирование и удаление не предусмотрены.
type Message struct {
	ID            int64
	CustomOrderID string
	Sender        SenderRole
	Body          string
	CreatedAt     time.Time
}

// LedgerEntryType — тип записи в истории внутреннего баланса.
type LedgerEntryType string

const (
	LedgerCharge LedgerEntryType = "charge"
	LedgerSpend  LedgerEntryType = "spend"
)

// LedgerEntry — запись истории пополнений и списаний внутреннего баланса.
// История только дописывается; баланс пользователя равен сумме записей.
type LedgerEntry struct {
	ID           int64
	UserID       int64
	OrderID      string
	Type         LedgerEntryType
	Amount       int64
	BonusAmount  int64
	BalanceAfter int64
	Description  string
	CreatedAt    time.Time
}

// SignalSource — происхождение платёжного сигнала.
type SignalSource string

const (
	// SourcePrewrite — предварительная запись идентификатора транзакции перед
	// уходом покупателя к провайдеру.
	SourcePrewrite SignalSource = "prewrite"
	// SourceClient — клиентский redirect-callback. Только предварительная
	// индикация, статус заказа не меняет.
	SourceClient SignalSource = "client"
	// SourceWebhook — серверное уведомление провайдера, авторитетный сигнал.
	SourceWebhook SignalSource = "webhook"
	// SourceManual — ручное подтверждение администратором (безналичный перевод).
	SourceManual SignalSource = "manual"
	// SourceInternal — синхронное подтверждение оплаты внутренним балансом.
	SourceInternal SignalSource = "internal"
)

// SignalOutcome — исход платёжной попытки, о котором сообщает сигнал.
type SignalOutcome string

const (
	OutcomeSuccess SignalOutcome = "success"
	OutcomeFailure SignalOutcome = "failure"
)

// PaymentSignal — нормализованный платёжный сигнал, поступающий в
// согласователь транзакций от любого из источников.
type PaymentSignal struct {
	OrderID         string
	Provider        PaymentProvider
	TransactionID   string
	Outcome         SignalOutcome
	ChargedAmount   int64
	ChargedCurrency Currency
	Source          SignalSource
	Raw             string
}

// PaymentEvent — след сигнала в журнале аудита. Аномалии (дубликаты,
// сигналы по завершённым заказам) помечаются отдельно.
type PaymentEvent struct {
	ID            int64
	OrderID       string
	Source        SignalSource
	Provider      PaymentProvider
	TransactionID string
	Outcome       SignalOutcome
	Amount        int64
	Currency      Currency
	Anomaly       bool
	Note          string
	CreatedAt     time.Time
}
