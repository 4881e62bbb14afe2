// Package service реализует бизнес-логику магазина нотных партитур.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/sheetmarket-system/internal/currency"
	"github.com/mmeshcher/sheetmarket-system/internal/model"
	"github.com/mmeshcher/sheetmarket-system/internal/provider"
	"github.com/mmeshcher/sheetmarket-system/internal/reconciler"
	"github.com/mmeshcher/sheetmarket-system/internal/repository"
)

var (
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmptyOrder возвращается для заказа без позиций.
	ErrEmptyOrder = errors.New("order has no items")
	// ErrForeignOrder возвращается при обращении к чужому заказу.
	ErrForeignOrder = errors.New("order belongs to another user")
	// ErrUnsupportedCurrency возвращается для валюты без известного курса.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)

	CreateOrder(ctx context.Context, in repository.NewOrderInput) (string, error)
	AttachTransaction(ctx context.Context, orderID, transactionID string, provider model.PaymentProvider, chargedAmount int64, chargedCurrency model.Currency) error
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	FailOrder(ctx context.Context, orderID string, to model.OrderStatus) (bool, error)
	RecordPaymentEvent(ctx context.Context, e model.PaymentEvent) error
	GetPaymentEvents(ctx context.Context, orderID string) ([]model.PaymentEvent, error)

	CreditBalance(ctx context.Context, userID int64, orderID string, amount, bonus int64, description string) error
	DebitBalance(ctx context.Context, userID int64, orderID string, amount int64, description string) error
	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetLedgerHistory(ctx context.Context, userID int64) ([]model.LedgerEntry, error)

	CreateCustomOrder(ctx context.Context, userID int64, songTitle, artist, requirements string) (string, error)
	GetCustomOrder(ctx context.Context, id string) (*model.CustomOrder, error)
	GetCustomOrdersByUser(ctx context.Context, userID int64) ([]model.CustomOrder, error)
	AppendMessage(ctx context.Context, customOrderID string, sender model.SenderRole, body string) (*model.Message, error)
	GetMessages(ctx context.Context, customOrderID string) ([]model.Message, error)
	SetEstimatedPrice(ctx context.Context, customOrderID string, price int64) error
	UpdateCustomOrderStatus(ctx context.Context, customOrderID string, from, to model.CustomOrderStatus) error
	CompleteCustomOrder(ctx context.Context, customOrderID, filePath string, maxDownloads int, expiresAt *time.Time) error
}

// Applier применяет платёжные сигналы к заказам.
type Applier interface {
	Apply(ctx context.Context, signal *model.PaymentSignal) (*reconciler.Result, error)
}

// Service содержит бизнес-логику магазина.
type Service struct {
	repo            Repository
	providers       *provider.Registry
	rec             Applier
	converter       *currency.Converter
	log             *zap.Logger
	providerTimeout time.Duration
	maxDownloads    int
	now             func() time.Time
}

// NewService создаёт сервис.
func NewService(repo Repository, providers *provider.Registry, rec Applier, converter *currency.Converter, log *zap.Logger, providerTimeout time.Duration, maxDownloads int) *Service {
	return &Service{
		repo:            repo,
		providers:       providers,
		rec:             rec,
		converter:       converter,
		log:             log,
		providerTimeout: providerTimeout,
		maxDownloads:    maxDownloads,
		now:             time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// newOrderNumber генерирует человекочитаемый номер заказа:
// "ORD" + отметка времени + 4 случайные цифры.
func (s *Service) newOrderNumber() string {
	return fmt.Sprintf("ORD%s%04d", s.now().Format("20060102150405"), rand.IntN(10000))
}

// CheckoutItem — позиция оформляемого заказа.
type CheckoutItem struct {
	SheetID    string
	SheetTitle string
	FilePath   string
	// PriceKRW — цена позиции в KRW на момент оформления.
	PriceKRW int64
}

// CheckoutInput — запрос на оформление заказа.
type CheckoutInput struct {
	UserID     int64
	BuyerLogin string
	Method     model.PaymentMethod
	// Currency — валюта списания. Пустая валюта означает KRW.
	Currency model.Currency
	// DepositorName — имя плательщика для безналичного перевода.
	DepositorName string
	// ReturnTarget — адрес возврата покупателя после оплаты.
	ReturnTarget string
	Items        []CheckoutItem
}

// CheckoutResult — результат оформления заказа.
type CheckoutResult struct {
	OrderID     string
	OrderNumber string
	Status      model.OrderStatus
	// RedirectURL — страница оплаты провайдера, если сессия редиректная.
	RedirectURL string
	// VirtualAccount — реквизиты для ручного перевода.
	VirtualAccount  *provider.VirtualAccount
	ChargedAmount   int64
	ChargedCurrency model.Currency
}

// Checkout оформляет заказ на партитуры и открывает платёжную сессию.
//
// Заказ создаётся в статусе pending с зафиксированными ценами, затем
// у провайдера открывается сессия, и её идентификатор транзакции
// долговечно записывается у заказа до возврата управления покупателю.
// Если сессия не открылась, заказ переводится в failed.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	if len(in.Items) == 0 {
		return nil, ErrEmptyOrder
	}
	if in.Method == model.MethodCredits {
		return s.checkoutWithCredits(ctx, in)
	}

	targetCurrency := in.Currency
	if targetCurrency == "" {
		targetCurrency = model.CurrencyKRW
	}
	if !s.converter.Supported(targetCurrency) {
		return nil, ErrUnsupportedCurrency
	}

	adapter, err := s.providers.ForMethod(in.Method)
	if err != nil {
		return nil, err
	}

	var total int64
	items := make([]repository.NewOrderItemInput, 0, len(in.Items))
	for _, item := range in.Items {
		total += item.PriceKRW
		items = append(items, repository.NewOrderItemInput{
			SheetID:    item.SheetID,
			SheetTitle: item.SheetTitle,
			FilePath:   item.FilePath,
			Price:      item.PriceKRW,
		})
	}

	number := s.newOrderNumber()
	orderID, err := s.repo.CreateOrder(ctx, repository.NewOrderInput{
		UserID:          in.UserID,
		Number:          number,
		Type:            model.OrderTypeProduct,
		TotalAmount:     total,
		ChargedCurrency: targetCurrency,
		Method:          in.Method,
		Provider:        adapter.Provider(),
		DepositorName:   in.DepositorName,
		Items:           items,
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	session, err := s.openSession(ctx, adapter, provider.PaymentRequest{
		OrderID:       orderID,
		OrderNumber:   number,
		AmountKRW:     total,
		Currency:      targetCurrency,
		Method:        in.Method,
		Description:   orderDescription(in.Items),
		BuyerLogin:    in.BuyerLogin,
		ReturnTarget:  in.ReturnTarget,
		DepositorName: in.DepositorName,
	})
	if err != nil {
		if _, failErr := s.repo.FailOrder(ctx, orderID, model.OrderStatusFailed); failErr != nil {
			s.log.Error("fail order after session error", zap.String("order_id", orderID), zap.Error(failErr))
		}
		return nil, err
	}

	return &CheckoutResult{
		OrderID:         orderID,
		OrderNumber:     number,
		Status:          model.OrderStatusPending,
		RedirectURL:     session.RedirectURL,
		VirtualAccount:  session.VirtualAccount,
		ChargedAmount:   session.ChargedAmount,
		ChargedCurrency: session.ChargedCurrency,
	}, nil
}

// openSession открывает платёжную сессию и записывает предварительный след:
// идентификатор транзакции у заказа и prewrite-событие в журнале аудита.
func (s *Service) openSession(ctx context.Context, adapter provider.Adapter, req provider.PaymentRequest) (*provider.Session, error) {
	sessionCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	session, err := adapter.CreateSession(sessionCtx, req)
	if err != nil {
		return nil, fmt.Errorf("create payment session: %w", err)
	}

	if err := s.repo.AttachTransaction(ctx, req.OrderID, session.TransactionID, adapter.Provider(),
		session.ChargedAmount, session.ChargedCurrency); err != nil {
		return nil, fmt.Errorf("attach transaction: %w", err)
	}

	err = s.repo.RecordPaymentEvent(ctx, model.PaymentEvent{
		OrderID:       req.OrderID,
		Source:        model.SourcePrewrite,
		Provider:      adapter.Provider(),
		TransactionID: session.TransactionID,
		Amount:        session.ChargedAmount,
		Currency:      session.ChargedCurrency,
		Note:          "payment session opened",
	})
	if err != nil {
		return nil, fmt.Errorf("record prewrite event: %w", err)
	}

	return session, nil
}

// checkoutWithCredits оформляет покупку за счёт внутреннего баланса.
// Цена льготная, списание и подтверждение синхронные: провайдер не участвует.
func (s *Service) checkoutWithCredits(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	var total int64
	items := make([]repository.NewOrderItemInput, 0, len(in.Items))
	for _, item := range in.Items {
		total += item.PriceKRW
		items = append(items, repository.NewOrderItemInput{
			SheetID:    item.SheetID,
			SheetTitle: item.SheetTitle,
			FilePath:   item.FilePath,
			Price:      item.PriceKRW,
		})
	}

	pointTotal := currency.PointPrice(total)
	number := s.newOrderNumber()

	orderID, err := s.repo.CreateOrder(ctx, repository.NewOrderInput{
		UserID:          in.UserID,
		Number:          number,
		Type:            model.OrderTypeProduct,
		TotalAmount:     total,
		ChargedAmount:   pointTotal,
		ChargedCurrency: model.CurrencyKRW,
		Method:          model.MethodCredits,
		Provider:        model.ProviderInternal,
		Items:           items,
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if err := s.repo.DebitBalance(ctx, in.UserID, orderID, pointTotal, "purchase "+number); err != nil {
		if _, failErr := s.repo.FailOrder(ctx, orderID, model.OrderStatusFailed); failErr != nil {
			s.log.Error("fail order after debit error", zap.String("order_id", orderID), zap.Error(failErr))
		}
		return nil, err
	}

	result, err := s.rec.Apply(ctx, &model.PaymentSignal{
		OrderID:         orderID,
		Provider:        model.ProviderInternal,
		TransactionID:   "internal-" + uuid.NewString(),
		Outcome:         model.OutcomeSuccess,
		ChargedAmount:   pointTotal,
		ChargedCurrency: model.CurrencyKRW,
		Source:          model.SourceInternal,
	})
	if err != nil {
		// Списание уже прошло, а подтверждение — нет. Средства возвращаются,
		// заказ закрывается: незавершённых состояний не остаётся.
		if refundErr := s.repo.CreditBalance(ctx, in.UserID, orderID, pointTotal, 0, "refund "+number); refundErr != nil {
			s.log.Error("refund after confirmation error",
				zap.String("order_id", orderID), zap.Error(refundErr))
		}
		if _, failErr := s.repo.FailOrder(ctx, orderID, model.OrderStatusFailed); failErr != nil {
			s.log.Error("fail order after confirmation error",
				zap.String("order_id", orderID), zap.Error(failErr))
		}
		return nil, fmt.Errorf("confirm credits payment: %w", err)
	}

	return &CheckoutResult{
		OrderID:         orderID,
		OrderNumber:     number,
		Status:          result.Order.Status,
		ChargedAmount:   pointTotal,
		ChargedCurrency: model.CurrencyKRW,
	}, nil
}

func orderDescription(items []CheckoutItem) string {
	if len(items) == 1 {
		return items[0].SheetTitle
	}
	return fmt.Sprintf("%s and %d more", items[0].SheetTitle, len(items)-1)
}

// topUpBonus возвращает бонус за пополнение баланса.
// Крупные пополнения поощряются: от 50 000 KRW — 5%, от 100 000 KRW — 10%.
func topUpBonus(amount int64) int64 {
	switch {
	case amount >= 100000:
		return amount * 10 / 100
	case amount >= 50000:
		return amount * 5 / 100
	default:
		return 0
	}
}

// TopUpInput — запрос на пополнение внутреннего баланса.
type TopUpInput struct {
	UserID     int64
	BuyerLogin string
	// AmountKRW — сумма пополнения.
	AmountKRW     int64
	Method        model.PaymentMethod
	DepositorName string
	ReturnTarget  string
}

// TopUp оформляет заказ на пополнение внутреннего баланса.
// Баланс зачисляется вместе с бонусом только после подтверждения оплаты.
func (s *Service) TopUp(ctx context.Context, in TopUpInput) (*CheckoutResult, error) {
	if in.AmountKRW <= 0 {
		return nil, errors.New("top-up amount must be positive")
	}

	adapter, err := s.providers.ForMethod(in.Method)
	if err != nil {
		return nil, err
	}

	number := s.newOrderNumber()
	orderID, err := s.repo.CreateOrder(ctx, repository.NewOrderInput{
		UserID:          in.UserID,
		Number:          number,
		Type:            model.OrderTypeCash,
		TotalAmount:     in.AmountKRW,
		ChargedCurrency: model.CurrencyKRW,
		BonusAmount:     topUpBonus(in.AmountKRW),
		Method:          in.Method,
		Provider:        adapter.Provider(),
		DepositorName:   in.DepositorName,
	})
	if err != nil {
		return nil, fmt.Errorf("create top-up order: %w", err)
	}

	session, err := s.openSession(ctx, adapter, provider.PaymentRequest{
		OrderID:       orderID,
		OrderNumber:   number,
		AmountKRW:     in.AmountKRW,
		Currency:      model.CurrencyKRW,
		Method:        in.Method,
		Description:   "balance top-up " + number,
		BuyerLogin:    in.BuyerLogin,
		ReturnTarget:  in.ReturnTarget,
		DepositorName: in.DepositorName,
	})
	if err != nil {
		if _, failErr := s.repo.FailOrder(ctx, orderID, model.OrderStatusFailed); failErr != nil {
			s.log.Error("fail order after session error", zap.String("order_id", orderID), zap.Error(failErr))
		}
		return nil, err
	}

	return &CheckoutResult{
		OrderID:         orderID,
		OrderNumber:     number,
		Status:          model.OrderStatusPending,
		RedirectURL:     session.RedirectURL,
		VirtualAccount:  session.VirtualAccount,
		ChargedAmount:   session.ChargedAmount,
		ChargedCurrency: session.ChargedCurrency,
	}, nil
}

// GetOrder возвращает заказ пользователя. Чужой заказ неотличим
// от несуществующего.
func (s *Service) GetOrder(ctx context.Context, userID int64, isAdmin bool, orderID string) (*model.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID && !isAdmin {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetBalance возвращает текущий внутренний баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.GetBalance(ctx, userID)
}

// GetLedgerHistory возвращает историю пополнений и списаний.
func (s *Service) GetLedgerHistory(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.repo.GetLedgerHistory(ctx, userID)
}

// HandleWebhook принимает серверное уведомление провайдера и применяет его
// к заказу. Адаптер провайдера проверяет подпись уведомления и
// нормализует тело.
func (s *Service) HandleWebhook(ctx context.Context, providerTag model.PaymentProvider, header http.Header, body []byte) (*reconciler.Result, error) {
	adapter, err := s.providers.ForProvider(providerTag)
	if err != nil {
		return nil, err
	}

	signal, err := adapter.ParseWebhook(header, body)
	if err != nil {
		return nil, err
	}

	return s.rec.Apply(ctx, signal)
}

// HandleClientReturn фиксирует возврат покупателя от провайдера.
// Сигнал только аудитный: статус заказа определяет webhook.
func (s *Service) HandleClientReturn(ctx context.Context, userID int64, orderID string, success bool) (*model.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}

	outcome := model.OutcomeFailure
	if success {
		outcome = model.OutcomeSuccess
	}

	result, err := s.rec.Apply(ctx, &model.PaymentSignal{
		OrderID:       orderID,
		Provider:      order.Provider,
		TransactionID: order.TransactionID,
		Outcome:       outcome,
		Source:        model.SourceClient,
	})
	if err != nil {
		return nil, err
	}

	return result.Order, nil
}

// ConfirmDeposit подтверждает безналичный перевод вручную. Подтверждение
// проходит тем же путём согласования, что и webhook, с пометкой manual
// в журнале аудита.
func (s *Service) ConfirmDeposit(ctx context.Context, orderID string) (*reconciler.Result, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	transactionID := order.TransactionID
	if transactionID == "" {
		transactionID = "manual-" + uuid.NewString()
	}

	return s.rec.Apply(ctx, &model.PaymentSignal{
		OrderID:         orderID,
		Provider:        order.Provider,
		TransactionID:   transactionID,
		Outcome:         model.OutcomeSuccess,
		ChargedAmount:   order.TotalAmount,
		ChargedCurrency: model.CurrencyKRW,
		Source:          model.SourceManual,
	})
}

// CancelOrder отменяет неоплаченный заказ по запросу пользователя.
func (s *Service) CancelOrder(ctx context.Context, userID int64, orderID string) error {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return repository.ErrOrderNotFound
	}

	applied, err := s.repo.FailOrder(ctx, orderID, model.OrderStatusCancelled)
	if err != nil {
		return err
	}
	if !applied {
		return repository.ErrTerminalState
	}
	return nil
}

// GetPaymentEvents возвращает журнал платёжных сигналов заказа.
func (s *Service) GetPaymentEvents(ctx context.Context, orderID string) ([]model.PaymentEvent, error) {
	return s.repo.GetPaymentEvents(ctx, orderID)
}
