package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
	"github.com/mmeshcher/sheetmarket-system/internal/repository"
)

var (
	// ErrInvalidTransition возвращается при недопустимой смене статуса
	// индивидуального заказа.
	ErrInvalidTransition = errors.New("invalid custom order status transition")
	// ErrNotQuoted возвращается, если операция требует выставленной оценки.
	ErrNotQuoted = errors.New("custom order has no estimated price")
)

// customTransitions перечисляет допустимые смены статуса индивидуального
// заказа. Отмена возможна из любого неконечного статуса.
var customTransitions = map[model.CustomOrderStatus][]model.CustomOrderStatus{
	model.CustomStatusPending:          {model.CustomStatusQuoted, model.CustomStatusCancelled},
	model.CustomStatusQuoted:           {model.CustomStatusPaymentConfirmed, model.CustomStatusCancelled},
	model.CustomStatusPaymentConfirmed: {model.CustomStatusInProgress, model.CustomStatusCancelled},
	model.CustomStatusInProgress:       {model.CustomStatusCompleted, model.CustomStatusCancelled},
}

func transitionAllowed(from, to model.CustomOrderStatus) bool {
	for _, allowed := range customTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// auditCustomTransition фиксирует административный перевод статуса
// индивидуального заказа в журнале платёжных событий с источником manual:
// ручные переходы отличимы от согласованных.
func (s *Service) auditCustomTransition(ctx context.Context, customOrderID string, from, to model.CustomOrderStatus) error {
	err := s.repo.RecordPaymentEvent(ctx, model.PaymentEvent{
		OrderID: customOrderID,
		Source:  model.SourceManual,
		Note:    "custom order " + string(from) + " -> " + string(to),
	})
	if err != nil {
		return fmt.Errorf("record custom transition: %w", err)
	}

	s.log.Info("custom order status changed",
		zap.String("custom_order_id", customOrderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// CreateCustomOrder создаёт заявку на индивидуальную аранжировку.
func (s *Service) CreateCustomOrder(ctx context.Context, userID int64, songTitle, artist, requirements string) (string, error) {
	if songTitle == "" {
		return "", errors.New("song title is required")
	}
	return s.repo.CreateCustomOrder(ctx, userID, songTitle, artist, requirements)
}

// GetCustomOrder возвращает индивидуальный заказ. Чужой заказ неотличим
// от несуществующего.
func (s *Service) GetCustomOrder(ctx context.Context, userID int64, isAdmin bool, customOrderID string) (*model.CustomOrder, error) {
	custom, err := s.repo.GetCustomOrder(ctx, customOrderID)
	if err != nil {
		return nil, err
	}
	if custom.UserID != userID && !isAdmin {
		return nil, repository.ErrCustomOrderNotFound
	}
	return custom, nil
}

// GetCustomOrdersByUser возвращает индивидуальные заказы пользователя.
func (s *Service) GetCustomOrdersByUser(ctx context.Context, userID int64) ([]model.CustomOrder, error) {
	return s.repo.GetCustomOrdersByUser(ctx, userID)
}

// PostCustomMessage добавляет сообщение в переписку по индивидуальному заказу.
// Покупатель пишет только в свои заказы, администратор — в любые.
func (s *Service) PostCustomMessage(ctx context.Context, userID int64, isAdmin bool, customOrderID, body string) (*model.Message, error) {
	if body == "" {
		return nil, errors.New("message body is required")
	}

	custom, err := s.repo.GetCustomOrder(ctx, customOrderID)
	if err != nil {
		return nil, err
	}
	if custom.UserID != userID && !isAdmin {
		return nil, repository.ErrCustomOrderNotFound
	}

	sender := model.SenderCustomer
	if isAdmin && custom.UserID != userID {
		sender = model.SenderAdmin
	}

	return s.repo.AppendMessage(ctx, customOrderID, sender, body)
}

// GetCustomMessages возвращает переписку по индивидуальному заказу.
func (s *Service) GetCustomMessages(ctx context.Context, userID int64, isAdmin bool, customOrderID string) ([]model.Message, error) {
	custom, err := s.repo.GetCustomOrder(ctx, customOrderID)
	if err != nil {
		return nil, err
	}
	if custom.UserID != userID && !isAdmin {
		return nil, repository.ErrCustomOrderNotFound
	}
	return s.repo.GetMessages(ctx, customOrderID)
}

// QuoteCustomOrder выставляет оценку стоимости и переводит заявку
// в статус quoted.
func (s *Service) QuoteCustomOrder(ctx context.Context, customOrderID string, price int64) error {
	if price <= 0 {
		return errors.New("estimated price must be positive")
	}

	custom, err := s.repo.GetCustomOrder(ctx, customOrderID)
	if err != nil {
		return err
	}

	if err := s.repo.SetEstimatedPrice(ctx, customOrderID, price); err != nil {
		return err
	}

	// Повторная оценка заявки в статусе quoted меняет только цену.
	if custom.Status == model.CustomStatusQuoted {
		return nil
	}

	if err := s.repo.UpdateCustomOrderStatus(ctx, customOrderID, model.CustomStatusPending, model.CustomStatusQuoted); err != nil {
		return fmt.Errorf("move to quoted: %w", err)
	}
	return s.auditCustomTransition(ctx, customOrderID, model.CustomStatusPending, model.CustomStatusQuoted)
}

// UpdateCustomOrderStatus переводит индивидуальный заказ в новый статус.
// Смена проверяется по карте допустимых переходов и применяется
// сравнением с текущим статусом: параллельные запросы не затирают
// друг друга.
func (s *Service) UpdateCustomOrderStatus(ctx context.Context, customOrderID string, to model.CustomOrderStatus) error {
	custom, err := s.repo.GetCustomOrder(ctx, customOrderID)
	if err != nil {
		return err
	}

	if custom.Status.Terminal() {
		return repository.ErrTerminalState
	}
	if !transitionAllowed(custom.Status, to) {
		return ErrInvalidTransition
	}
	if to == model.CustomStatusPaymentConfirmed && custom.EstimatedPrice == nil {
		return ErrNotQuoted
	}

	if err := s.repo.UpdateCustomOrderStatus(ctx, customOrderID, custom.Status, to); err != nil {
		return err
	}
	return s.auditCustomTransition(ctx, customOrderID, custom.Status, to)
}

// CompleteCustomOrder завершает индивидуальный заказ: прикрепляет готовый
// файл и активирует право на скачивание со счётчиком 0 из maxDownloads.
func (s *Service) CompleteCustomOrder(ctx context.Context, customOrderID, filePath string, downloadWindow time.Duration) error {
	if filePath == "" {
		return errors.New("completed file path is required")
	}

	custom, err := s.repo.GetCustomOrder(ctx, customOrderID)
	if err != nil {
		return err
	}
	if custom.Status.Terminal() {
		return repository.ErrTerminalState
	}
	if !transitionAllowed(custom.Status, model.CustomStatusCompleted) {
		return ErrInvalidTransition
	}

	var expiresAt *time.Time
	if downloadWindow > 0 {
		t := s.now().Add(downloadWindow)
		expiresAt = &t
	}

	if err := s.repo.CompleteCustomOrder(ctx, customOrderID, filePath, s.maxDownloads, expiresAt); err != nil {
		return err
	}
	return s.auditCustomTransition(ctx, customOrderID, custom.Status, model.CustomStatusCompleted)
}
