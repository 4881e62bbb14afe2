// Package reconciler согласует платёжные сигналы со статусами заказов.
//
// Сигналы приходят от провайдеров (webhook), от браузера покупателя
// (redirect-callback), от администратора (ручное подтверждение перевода)
// и изнутри системы (оплата балансом). Любой сигнал может прийти повторно,
// с опозданием или не в том порядке: согласователь гарантирует, что заказ
// переходит в конечный статус ровно один раз, а все сигналы — включая
// отброшенные — остаются в журнале аудита.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
	"github.com/mmeshcher/sheetmarket-system/internal/repository"
	"github.com/mmeshcher/sheetmarket-system/internal/validation"
)

// ErrOrderNotFound возвращается, если сигнал не удалось сопоставить
// ни с одним заказом.
var ErrOrderNotFound = errors.New("no order matches payment signal")

// Store — операции хранилища, нужные согласователю.
type Store interface {
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	GetOrderByTransactionID(ctx context.Context, transactionID string) (*model.Order, error)
	ConfirmOrderPaid(ctx context.Context, orderID, expectedTransactionID, finalTransactionID string, maxDownloads int) (*repository.ConfirmResult, error)
	FailOrder(ctx context.Context, orderID string, to model.OrderStatus) (bool, error)
	RecordPaymentEvent(ctx context.Context, e model.PaymentEvent) error
}

// Result — итог применения одного сигнала.
type Result struct {
	Order *model.Order
	// Applied — true, если именно этот сигнал перевёл заказ в конечный статус.
	Applied bool
	// Anomaly — true, если сигнал отброшен как дубликат или противоречие.
	Anomaly bool
}

// Reconciler применяет платёжные сигналы к заказам.
type Reconciler struct {
	store        Store
	log          *zap.Logger
	maxDownloads int
}

// New создаёт согласователь.
func New(store Store, log *zap.Logger, maxDownloads int) *Reconciler {
	return &Reconciler{store: store, log: log, maxDownloads: maxDownloads}
}

// Apply применяет один платёжный сигнал.
//
// Заказ ищется сначала по идентификатору транзакции провайдера, затем —
// по внутреннему идентификатору заказа. Webhook может обогнать фиксацию
// предварительной записи, поэтому поиск повторяется с короткой выдержкой.
func (r *Reconciler) Apply(ctx context.Context, signal *model.PaymentSignal) (*Result, error) {
	order, err := r.locateOrder(ctx, signal)
	if err != nil {
		return nil, err
	}

	switch signal.Source {
	case model.SourceClient:
		return r.applyClient(ctx, order, signal)
	default:
		if signal.Outcome == model.OutcomeSuccess {
			return r.applySuccess(ctx, order, signal)
		}
		return r.applyFailure(ctx, order, signal)
	}
}

func (r *Reconciler) locateOrder(ctx context.Context, signal *model.PaymentSignal) (*model.Order, error) {
	var order *model.Order

	backoff := retry.WithMaxRetries(3, retry.NewConstant(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if signal.TransactionID != "" {
			found, err := r.store.GetOrderByTransactionID(ctx, signal.TransactionID)
			if err == nil {
				order = found
				return nil
			}
			if !errors.Is(err, repository.ErrOrderNotFound) {
				return retry.RetryableError(err)
			}
		}

		if signal.OrderID != "" {
			// Часть провайдеров получает при инициализации человекочитаемый
			// номер заказа, а не внутренний идентификатор: ссылка в форме
			// номера ищется по колонке номера.
			lookup := r.store.GetOrderByID
			if validation.IsValidOrderNumber(signal.OrderID) {
				lookup = r.store.GetOrderByNumber
			}
			found, err := lookup(ctx, signal.OrderID)
			if err == nil {
				order = found
				return nil
			}
			if !errors.Is(err, repository.ErrOrderNotFound) {
				return retry.RetryableError(err)
			}
		}

		return retry.RetryableError(ErrOrderNotFound)
	})
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			r.log.Warn("payment signal matches no order",
				zap.String("transaction_id", signal.TransactionID),
				zap.String("order_ref", signal.OrderID),
				zap.String("provider", string(signal.Provider)),
				zap.String("source", string(signal.Source)))
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("locate order: %w", err)
	}

	return order, nil
}

// applyClient фиксирует клиентский callback в журнале аудита.
// Статус заказа по клиентскому сигналу не меняется ни в какую сторону:
// авторитетным признаётся только серверный webhook.
func (r *Reconciler) applyClient(ctx context.Context, order *model.Order, signal *model.PaymentSignal) (*Result, error) {
	if err := r.record(ctx, order, signal, false, "client callback, awaiting webhook"); err != nil {
		return nil, err
	}
	return &Result{Order: order, Applied: false}, nil
}

func (r *Reconciler) applySuccess(ctx context.Context, order *model.Order, signal *model.PaymentSignal) (*Result, error) {
	if order.Status.Terminal() {
		note := "duplicate success signal for paid order"
		if order.Status != model.OrderStatusPaid {
			note = "success signal for " + string(order.Status) + " order"
			r.log.Warn("success signal for order in terminal failure state",
				zap.String("order_id", order.ID),
				zap.String("status", string(order.Status)),
				zap.String("transaction_id", signal.TransactionID))
		}
		if err := r.record(ctx, order, signal, true, note); err != nil {
			return nil, err
		}
		return &Result{Order: order, Applied: false, Anomaly: true}, nil
	}

	// Сумма и валюта webhook сверяются с ожидаемым списанием по заказу.
	// Успех на другую сумму — подложный или искажённый сигнал: заказ
	// остаётся pending, сигнал уходит в журнал аномалией.
	if signal.Source == model.SourceWebhook && signal.ChargedAmount > 0 {
		wantAmount, wantCurrency := expectedCharge(order)
		if signal.ChargedAmount != wantAmount || signal.ChargedCurrency != wantCurrency {
			r.log.Warn("webhook amount mismatch",
				zap.String("order_id", order.ID),
				zap.Int64("want_amount", wantAmount),
				zap.String("want_currency", string(wantCurrency)),
				zap.Int64("got_amount", signal.ChargedAmount),
				zap.String("got_currency", string(signal.ChargedCurrency)))
			note := fmt.Sprintf("amount mismatch: signal %d %s, expected %d %s",
				signal.ChargedAmount, signal.ChargedCurrency, wantAmount, wantCurrency)
			if err := r.record(ctx, order, signal, true, note); err != nil {
				return nil, err
			}
			return &Result{Order: order, Applied: false, Anomaly: true}, nil
		}
	}

	// Заказ, найденный по идентификатору транзакции, подтверждается строго
	// с тем же идентификатором. Заказ, найденный по резервному пути,
	// получает идентификатор из сигнала при подтверждении.
	expected := signal.TransactionID
	if order.TransactionID != signal.TransactionID {
		expected = ""
	}

	confirm, err := r.store.ConfirmOrderPaid(ctx, order.ID, expected, signal.TransactionID, r.maxDownloads)
	if err != nil {
		return nil, fmt.Errorf("confirm order %s: %w", order.ID, err)
	}

	if !confirm.Applied {
		// Гонку выиграл параллельный сигнал: заказ уже в конечном статусе.
		if err := r.record(ctx, confirm.Order, signal, true, "lost confirmation race"); err != nil {
			return nil, err
		}
		return &Result{Order: confirm.Order, Applied: false, Anomaly: true}, nil
	}

	if err := r.record(ctx, confirm.Order, signal, false, "order confirmed"); err != nil {
		return nil, err
	}

	r.log.Info("order confirmed",
		zap.String("order_id", confirm.Order.ID),
		zap.String("order_number", confirm.Order.Number),
		zap.String("source", string(signal.Source)),
		zap.String("transaction_id", signal.TransactionID))

	return &Result{Order: confirm.Order, Applied: true}, nil
}

// expectedCharge возвращает сумму, которую провайдер обязан был списать.
// У заказа с открытой сессией это зафиксированное при создании сессии
// списание; до сессии — полная сумма заказа в базовой валюте.
func expectedCharge(order *model.Order) (int64, model.Currency) {
	if order.ChargedAmount > 0 {
		return order.ChargedAmount, order.ChargedCurrency
	}
	return order.TotalAmount, model.CurrencyKRW
}

func (r *Reconciler) applyFailure(ctx context.Context, order *model.Order, signal *model.PaymentSignal) (*Result, error) {
	if order.Status == model.OrderStatusPaid {
		// Провал после подтверждённой оплаты — противоречие: оплату не
		// откатываем, фиксируем аномалию для ручного разбора.
		r.log.Warn("failure signal for paid order",
			zap.String("order_id", order.ID),
			zap.String("transaction_id", signal.TransactionID))
		if err := r.record(ctx, order, signal, true, "failure signal for paid order"); err != nil {
			return nil, err
		}
		return &Result{Order: order, Applied: false, Anomaly: true}, nil
	}

	if order.Status.Terminal() {
		if err := r.record(ctx, order, signal, true, "duplicate failure signal"); err != nil {
			return nil, err
		}
		return &Result{Order: order, Applied: false, Anomaly: true}, nil
	}

	applied, err := r.store.FailOrder(ctx, order.ID, model.OrderStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("fail order %s: %w", order.ID, err)
	}

	if err := r.record(ctx, order, signal, !applied, "payment failed"); err != nil {
		return nil, err
	}

	return &Result{Order: order, Applied: applied, Anomaly: !applied}, nil
}

func (r *Reconciler) record(ctx context.Context, order *model.Order, signal *model.PaymentSignal, anomaly bool, note string) error {
	err := r.store.RecordPaymentEvent(ctx, model.PaymentEvent{
		OrderID:       order.ID,
		Source:        signal.Source,
		Provider:      signal.Provider,
		TransactionID: signal.TransactionID,
		Outcome:       signal.Outcome,
		Amount:        signal.ChargedAmount,
		Currency:      signal.ChargedCurrency,
		Anomaly:       anomaly,
		Note:          note,
	})
	if err != nil {
		return fmt.Errorf("record payment event: %w", err)
	}
	return nil
}
