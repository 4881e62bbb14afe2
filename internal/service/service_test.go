package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/sheetmarket-system/internal/currency"
	"github.com/mmeshcher/sheetmarket-system/internal/model"
	"github.com/mmeshcher/sheetmarket-system/internal/provider"
	"github.com/mmeshcher/sheetmarket-system/internal/reconciler"
	"github.com/mmeshcher/sheetmarket-system/internal/repository"
	"github.com/mmeshcher/sheetmarket-system/internal/validation"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type stubRepo struct {
	createUserID  int64
	createUserErr error

	getUser    *model.User
	getUserErr error

	orders   map[string]*model.Order
	debited  []int64
	credited []int64
	debitErr error

	events []model.PaymentEvent

	customs  map[string]*model.CustomOrder
	messages []model.Message

	balance    int64
	balanceErr error
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		orders:  make(map[string]*model.Order),
		customs: make(map[string]*model.CustomOrder),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(_ context.Context, _ string, _ []byte) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(_ context.Context, _ string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) CreateOrder(_ context.Context, in repository.NewOrderInput) (string, error) {
	id := "order-" + in.Number
	items := make([]model.OrderItem, 0, len(in.Items))
	for i, item := range in.Items {
		items = append(items, model.OrderItem{
			ID:       in.Number + "-item-" + string(rune('a'+i)),
			OrderID:  id,
			SheetID:  item.SheetID,
			FilePath: item.FilePath,
			Price:    item.Price,
		})
	}
	s.orders[id] = &model.Order{
		ID:              id,
		UserID:          in.UserID,
		Number:          in.Number,
		Type:            in.Type,
		TotalAmount:     in.TotalAmount,
		ChargedAmount:   in.ChargedAmount,
		ChargedCurrency: in.ChargedCurrency,
		BonusAmount:     in.BonusAmount,
		Status:          model.OrderStatusPending,
		Method:          in.Method,
		Provider:        in.Provider,
		DepositorName:   in.DepositorName,
		Items:           items,
	}
	return id, nil
}

func (s *stubRepo) AttachTransaction(_ context.Context, orderID, transactionID string, p model.PaymentProvider, chargedAmount int64, chargedCurrency model.Currency) error {
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.TransactionID = transactionID
	o.Provider = p
	o.ChargedAmount = chargedAmount
	o.ChargedCurrency = chargedCurrency
	return nil
}

func (s *stubRepo) GetOrderByID(_ context.Context, orderID string) (*model.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func (s *stubRepo) GetOrdersByUser(_ context.Context, _ int64) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) FailOrder(_ context.Context, orderID string, to model.OrderStatus) (bool, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return false, repository.ErrOrderNotFound
	}
	if o.Status != model.OrderStatusPending {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (s *stubRepo) RecordPaymentEvent(_ context.Context, e model.PaymentEvent) error {
	s.events = append(s.events, e)
	return nil
}

func (s *stubRepo) GetPaymentEvents(_ context.Context, _ string) ([]model.PaymentEvent, error) {
	return s.events, nil
}

func (s *stubRepo) DebitBalance(_ context.Context, userID int64, _ string, amount int64, _ string) error {
	if s.debitErr != nil {
		return s.debitErr
	}
	s.debited = append(s.debited, amount)
	_ = userID
	return nil
}

func (s *stubRepo) CreditBalance(_ context.Context, _ int64, _ string, amount, bonus int64, _ string) error {
	s.credited = append(s.credited, amount+bonus)
	return nil
}

func (s *stubRepo) GetBalance(_ context.Context, _ int64) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubRepo) GetLedgerHistory(_ context.Context, _ int64) ([]model.LedgerEntry, error) {
	return nil, nil
}

func (s *stubRepo) CreateCustomOrder(_ context.Context, userID int64, songTitle, artist, requirements string) (string, error) {
	id := "custom-1"
	s.customs[id] = &model.CustomOrder{
		ID:           id,
		UserID:       userID,
		SongTitle:    songTitle,
		Artist:       artist,
		Requirements: requirements,
		Status:       model.CustomStatusPending,
	}
	return id, nil
}

func (s *stubRepo) GetCustomOrder(_ context.Context, id string) (*model.CustomOrder, error) {
	c, ok := s.customs[id]
	if !ok {
		return nil, repository.ErrCustomOrderNotFound
	}
	return c, nil
}

func (s *stubRepo) GetCustomOrdersByUser(_ context.Context, _ int64) ([]model.CustomOrder, error) {
	return nil, nil
}

func (s *stubRepo) AppendMessage(_ context.Context, customOrderID string, sender model.SenderRole, body string) (*model.Message, error) {
	msg := model.Message{ID: int64(len(s.messages) + 1), CustomOrderID: customOrderID, Sender: sender, Body: body}
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *stubRepo) GetMessages(_ context.Context, _ string) ([]model.Message, error) {
	return s.messages, nil
}

func (s *stubRepo) SetEstimatedPrice(_ context.Context, customOrderID string, price int64) error {
	c, ok := s.customs[customOrderID]
	if !ok {
		return repository.ErrCustomOrderNotFound
	}
	c.EstimatedPrice = &price
	return nil
}

func (s *stubRepo) UpdateCustomOrderStatus(_ context.Context, customOrderID string, from, to model.CustomOrderStatus) error {
	c, ok := s.customs[customOrderID]
	if !ok {
		return repository.ErrCustomOrderNotFound
	}
	if c.Status != from {
		return repository.ErrTerminalState
	}
	c.Status = to
	return nil
}

func (s *stubRepo) CompleteCustomOrder(_ context.Context, customOrderID, filePath string, maxDownloads int, expiresAt *time.Time) error {
	c, ok := s.customs[customOrderID]
	if !ok {
		return repository.ErrCustomOrderNotFound
	}
	c.Status = model.CustomStatusCompleted
	c.CompletedFilePath = filePath
	c.DownloadCount = 0
	c.MaxDownloadCount = maxDownloads
	c.DownloadExpiresAt = expiresAt
	return nil
}

// stubApplier записывает сигналы и отмечает заказ оплаченным при успехе.
type stubApplier struct {
	repo     *stubRepo
	signals  []*model.PaymentSignal
	applyErr error
}

func (a *stubApplier) Apply(_ context.Context, signal *model.PaymentSignal) (*reconciler.Result, error) {
	a.signals = append(a.signals, signal)
	if a.applyErr != nil {
		return nil, a.applyErr
	}
	order := a.repo.orders[signal.OrderID]
	if order == nil {
		return nil, reconciler.ErrOrderNotFound
	}
	if signal.Source != model.SourceClient && signal.Outcome == model.OutcomeSuccess && order.Status == model.OrderStatusPending {
		order.Status = model.OrderStatusPaid
		return &reconciler.Result{Order: order, Applied: true}, nil
	}
	return &reconciler.Result{Order: order}, nil
}

// stubAdapter — платёжный адаптер с управляемым исходом.
type stubAdapter struct {
	tag        model.PaymentProvider
	method     model.PaymentMethod
	session    *provider.Session
	sessionErr error
}

func (a *stubAdapter) Provider() model.PaymentProvider     { return a.tag }
func (a *stubAdapter) Supports(m model.PaymentMethod) bool { return m == a.method }
func (a *stubAdapter) ParseWebhook(http.Header, []byte) (*model.PaymentSignal, error) {
	return nil, provider.ErrNoWebhook
}

func (a *stubAdapter) CreateSession(_ context.Context, _ provider.PaymentRequest) (*provider.Session, error) {
	return a.session, a.sessionErr
}

func newTestService(repo *stubRepo, adapters ...provider.Adapter) (*Service, *stubApplier) {
	applier := &stubApplier{repo: repo}
	svc := NewService(
		repo,
		provider.NewRegistry(adapters...),
		applier,
		currency.NewConverter(currency.DefaultRates()),
		zap.NewNop(),
		time.Second,
		20,
	)
	return svc, applier
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := newStubRepo()
	repo.createUserErr = repository.ErrUserExists
	svc, _ := newTestService(repo)

	_, err := svc.RegisterUser(context.Background(), "login", "pass")
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	repo := newStubRepo()
	repo.getUser = &model.User{ID: 1, Login: "user", PasswordHash: hashPassword("user", "correct")}
	svc, _ := newTestService(repo)

	if _, err := svc.AuthenticateUser(context.Background(), "user", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	repo.getUser = nil
	repo.getUserErr = repository.ErrUserNotFound
	if _, err := svc.AuthenticateUser(context.Background(), "ghost", "pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestNewOrderNumberFormat(t *testing.T) {
	svc, _ := newTestService(newStubRepo())

	number := svc.newOrderNumber()
	if !validation.IsValidOrderNumber(number) {
		t.Fatalf("generated order number %q is not valid", number)
	}
}

func TestCheckoutOpensSessionAndAttachesTransaction(t *testing.T) {
	repo := newStubRepo()
	adapter := &stubAdapter{
		tag:    model.ProviderPortOne,
		method: model.MethodCard,
		session: &provider.Session{
			TransactionID:   "imp_1",
			RedirectURL:     "https://pay.example/imp_1",
			ChargedAmount:   42500,
			ChargedCurrency: model.CurrencyKRW,
		},
	}
	svc, _ := newTestService(repo, adapter)

	result, err := svc.Checkout(context.Background(), CheckoutInput{
		UserID: 1,
		Method: model.MethodCard,
		Items:  []CheckoutItem{{SheetID: "sheet-1", SheetTitle: "Moonlight", FilePath: "sheets/moonlight.pdf", PriceKRW: 42500}},
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	order := repo.orders[result.OrderID]
	if order.TransactionID != "imp_1" {
		t.Errorf("transaction id = %s, want imp_1 attached before returning", order.TransactionID)
	}
	if order.ChargedAmount != 42500 || order.ChargedCurrency != model.CurrencyKRW {
		t.Errorf("charged %d %s, want session charge 42500 KRW persisted", order.ChargedAmount, order.ChargedCurrency)
	}
	if order.Status != model.OrderStatusPending {
		t.Errorf("status = %s, want pending until webhook", order.Status)
	}
	if result.RedirectURL != "https://pay.example/imp_1" {
		t.Errorf("redirect = %s", result.RedirectURL)
	}
	if len(repo.events) != 1 || repo.events[0].Source != model.SourcePrewrite {
		t.Errorf("events = %+v, want single prewrite record", repo.events)
	}
}

func TestCheckoutSessionFailureFailsOrder(t *testing.T) {
	repo := newStubRepo()
	adapter := &stubAdapter{
		tag:        model.ProviderPortOne,
		method:     model.MethodCard,
		sessionErr: provider.ErrSessionRejected,
	}
	svc, _ := newTestService(repo, adapter)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		UserID: 1,
		Method: model.MethodCard,
		Items:  []CheckoutItem{{SheetID: "sheet-1", PriceKRW: 1000}},
	})
	if !errors.Is(err, provider.ErrSessionRejected) {
		t.Fatalf("expected ErrSessionRejected, got %v", err)
	}

	for _, o := range repo.orders {
		if o.Status != model.OrderStatusFailed {
			t.Errorf("order status = %s, want failed after session error", o.Status)
		}
	}
}

func TestCheckoutEmptyOrder(t *testing.T) {
	svc, _ := newTestService(newStubRepo())

	if _, err := svc.Checkout(context.Background(), CheckoutInput{UserID: 1, Method: model.MethodCard}); !errors.Is(err, ErrEmptyOrder) {
		t.Fatalf("expected ErrEmptyOrder, got %v", err)
	}
}

func TestCheckoutUnsupportedMethod(t *testing.T) {
	svc, _ := newTestService(newStubRepo())

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		UserID: 1,
		Method: model.MethodCard,
		Items:  []CheckoutItem{{SheetID: "sheet-1", PriceKRW: 1000}},
	})
	if !errors.Is(err, provider.ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
}

func TestCheckoutWithCredits(t *testing.T) {
	repo := newStubRepo()
	svc, applier := newTestService(repo)

	result, err := svc.Checkout(context.Background(), CheckoutInput{
		UserID: 1,
		Method: model.MethodCredits,
		Items:  []CheckoutItem{{SheetID: "sheet-1", PriceKRW: 50000}},
	})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	// 85% от 50000 с округлением вниз до сотен.
	if len(repo.debited) != 1 || repo.debited[0] != 42500 {
		t.Fatalf("debited = %v, want [42500]", repo.debited)
	}
	if result.Status != model.OrderStatusPaid {
		t.Errorf("status = %s, want paid synchronously", result.Status)
	}
	if len(applier.signals) != 1 || applier.signals[0].Source != model.SourceInternal {
		t.Errorf("signals = %+v, want single internal signal", applier.signals)
	}
}

func TestCheckoutWithCreditsInsufficientBalance(t *testing.T) {
	repo := newStubRepo()
	repo.debitErr = repository.ErrInsufficientBalance
	svc, _ := newTestService(repo)

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		UserID: 1,
		Method: model.MethodCredits,
		Items:  []CheckoutItem{{SheetID: "sheet-1", PriceKRW: 50000}},
	})
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	for _, o := range repo.orders {
		if o.Status != model.OrderStatusFailed {
			t.Errorf("order status = %s, want failed after debit error", o.Status)
		}
	}
}

func TestCheckoutWithCreditsRefundsOnConfirmError(t *testing.T) {
	// Списание прошло, подтверждение упало: средства возвращаются на
	// баланс, заказ закрывается как failed.
	repo := newStubRepo()
	svc, applier := newTestService(repo)
	applier.applyErr = errors.New("audit log unavailable")

	_, err := svc.Checkout(context.Background(), CheckoutInput{
		UserID: 1,
		Method: model.MethodCredits,
		Items:  []CheckoutItem{{SheetID: "sheet-1", PriceKRW: 50000}},
	})
	if err == nil {
		t.Fatal("expected confirmation error")
	}

	if len(repo.debited) != 1 || repo.debited[0] != 42500 {
		t.Fatalf("debited = %v, want [42500]", repo.debited)
	}
	if len(repo.credited) != 1 || repo.credited[0] != 42500 {
		t.Fatalf("credited = %v, want debit refunded in full", repo.credited)
	}
	for _, o := range repo.orders {
		if o.Status != model.OrderStatusFailed {
			t.Errorf("order status = %s, want failed after refund", o.Status)
		}
	}
}

func TestTopUpBonus(t *testing.T) {
	tests := []struct {
		amount int64
		want   int64
	}{
		{10000, 0},
		{49999, 0},
		{50000, 2500},
		{99999, 4999},
		{100000, 10000},
		{200000, 20000},
	}

	for _, tt := range tests {
		if got := topUpBonus(tt.amount); got != tt.want {
			t.Errorf("topUpBonus(%d) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}

func TestTopUpCreatesCashOrder(t *testing.T) {
	repo := newStubRepo()
	adapter := &stubAdapter{
		tag:    model.ProviderPortOne,
		method: model.MethodCard,
		session: &provider.Session{
			TransactionID:   "imp_topup",
			ChargedAmount:   100000,
			ChargedCurrency: model.CurrencyKRW,
		},
	}
	svc, _ := newTestService(repo, adapter)

	result, err := svc.TopUp(context.Background(), TopUpInput{
		UserID:    1,
		AmountKRW: 100000,
		Method:    model.MethodCard,
	})
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}

	order := repo.orders[result.OrderID]
	if order.Type != model.OrderTypeCash {
		t.Errorf("order type = %s, want cash", order.Type)
	}
	if order.BonusAmount != 10000 {
		t.Errorf("bonus = %d, want 10000", order.BonusAmount)
	}
	if order.Status != model.OrderStatusPending {
		t.Errorf("status = %s, balance must not be credited before confirmation", order.Status)
	}
}

func TestHandleClientReturnIsAuditOnly(t *testing.T) {
	repo := newStubRepo()
	svc, applier := newTestService(repo)

	orderID, _ := repo.CreateOrder(context.Background(), repository.NewOrderInput{
		UserID: 1, Number: "ORD202501020304051234", Type: model.OrderTypeProduct, TotalAmount: 1000,
	})

	order, err := svc.HandleClientReturn(context.Background(), 1, orderID, true)
	if err != nil {
		t.Fatalf("HandleClientReturn: %v", err)
	}
	if order.Status != model.OrderStatusPending {
		t.Errorf("status = %s, client return must not confirm", order.Status)
	}
	if len(applier.signals) != 1 || applier.signals[0].Source != model.SourceClient {
		t.Errorf("signals = %+v, want single client signal", applier.signals)
	}

	if _, err := svc.HandleClientReturn(context.Background(), 2, orderID, true); !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("foreign order: expected ErrOrderNotFound, got %v", err)
	}
}

func TestConfirmDepositUsesManualSource(t *testing.T) {
	repo := newStubRepo()
	svc, applier := newTestService(repo)

	orderID, _ := repo.CreateOrder(context.Background(), repository.NewOrderInput{
		UserID: 1, Number: "ORD202501020304051234", Type: model.OrderTypeCash, TotalAmount: 50000,
	})
	repo.orders[orderID].TransactionID = "bank-abc"

	result, err := svc.ConfirmDeposit(context.Background(), orderID)
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if !result.Applied {
		t.Errorf("result = %+v, want applied", result)
	}
	if applier.signals[0].Source != model.SourceManual {
		t.Errorf("source = %s, want manual", applier.signals[0].Source)
	}
	if applier.signals[0].TransactionID != "bank-abc" {
		t.Errorf("transaction id = %s, want bank-abc", applier.signals[0].TransactionID)
	}
}

func TestCancelOrder(t *testing.T) {
	repo := newStubRepo()
	svc, _ := newTestService(repo)

	orderID, _ := repo.CreateOrder(context.Background(), repository.NewOrderInput{
		UserID: 1, Number: "ORD202501020304051234", Type: model.OrderTypeProduct, TotalAmount: 1000,
	})

	if err := svc.CancelOrder(context.Background(), 1, orderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if repo.orders[orderID].Status != model.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", repo.orders[orderID].Status)
	}

	if err := svc.CancelOrder(context.Background(), 1, orderID); !errors.Is(err, repository.ErrTerminalState) {
		t.Fatalf("second cancel: expected ErrTerminalState, got %v", err)
	}
}
