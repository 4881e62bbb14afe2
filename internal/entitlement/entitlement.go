// Package entitlement проверяет права на скачивание купленных файлов
// и выдаёт одноразовые подписанные ссылки.
//
// Право на файл ограничено тремя условиями: владением заказом, лимитом
// скачиваний и сроком действия. Счётчик увеличивается при выдаче ссылки,
// до отдачи файла: неиспользованная ссылка тоже расходует попытку.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/sheetmarket-system/internal/middleware"
	"github.com/mmeshcher/sheetmarket-system/internal/model"
	"github.com/mmeshcher/sheetmarket-system/internal/repository"
)

var (
	// ErrNotFound возвращается, если заказ или позиция не существует либо
	// принадлежит другому пользователю. Чужие заказы неотличимы
	// от несуществующих.
	ErrNotFound = errors.New("download target not found")
	// ErrNotPayable возвращается, если заказ ещё не оплачен или не завершён.
	ErrNotPayable = errors.New("order is not paid")
	// ErrLimitExceeded возвращается при исчерпании лимита скачиваний.
	ErrLimitExceeded = errors.New("download limit exceeded")
	// ErrExpired возвращается после истечения срока действия права.
	ErrExpired = errors.New("download period expired")
	// ErrTokenInvalid возвращается для токена с неверной подписью или форматом.
	ErrTokenInvalid = errors.New("invalid download token")
	// ErrTokenExpired возвращается для токена с истёкшим сроком действия.
	ErrTokenExpired = errors.New("download token expired")
	// ErrTokenUsed возвращается при повторном использовании одноразового токена.
	ErrTokenUsed = errors.New("download token already used")
)

// Store — операции хранилища, нужные проверке прав.
type Store interface {
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	GetOrderItem(ctx context.Context, orderID, itemID string) (*model.OrderItem, error)
	IncrementDownloadCount(ctx context.Context, itemID string) (int, bool, error)
	GetCustomOrder(ctx context.Context, id string) (*model.CustomOrder, error)
	IncrementCustomDownloadCount(ctx context.Context, customOrderID string) (int, bool, error)
}

// Grant — выданное право на одно скачивание.
type Grant struct {
	// Token — одноразовый подписанный токен.
	Token string
	// URL — относительный адрес скачивания.
	URL string
	// ExpiresAt — момент истечения токена.
	ExpiresAt time.Time
	// Remaining — оставшееся число скачиваний после этой выдачи.
	Remaining int
}

// Service выдаёт и погашает права на скачивание.
type Service struct {
	store  Store
	tokens TokenStore
	signer *Signer
	log    *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewService создаёт сервис прав на скачивание.
func NewService(store Store, tokens TokenStore, signer *Signer, log *zap.Logger, ttl time.Duration) *Service {
	return &Service{
		store:  store,
		tokens: tokens,
		signer: signer,
		log:    log,
		ttl:    ttl,
		now:    time.Now,
	}
}

// RequestItemDownload выдаёт одноразовую ссылку на позицию оплаченного заказа.
func (s *Service) RequestItemDownload(ctx context.Context, identity middleware.Identity, orderID, itemID string) (*Grant, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	if order.UserID != identity.UserID && !identity.IsAdmin {
		return nil, ErrNotFound
	}
	if order.Status != model.OrderStatusPaid {
		return nil, ErrNotPayable
	}

	item, err := s.store.GetOrderItem(ctx, orderID, itemID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order item: %w", err)
	}

	// Лимит проверяется раньше срока: исчерпанное право сообщает именно
	// об исчерпании, даже если срок тоже истёк. Авторитетна всё равно
	// атомарная проверка в самом инкременте.
	if item.MaxDownloadCount > 0 && item.DownloadCount >= item.MaxDownloadCount {
		return nil, ErrLimitExceeded
	}
	if item.DownloadExpiresAt != nil && !s.now().Before(*item.DownloadExpiresAt) {
		return nil, ErrExpired
	}

	count, ok, err := s.store.IncrementDownloadCount(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("increment download count: %w", err)
	}
	if !ok {
		return nil, ErrLimitExceeded
	}

	remaining := 0
	if item.MaxDownloadCount > 0 {
		remaining = item.MaxDownloadCount - count
	}

	return s.issue(ctx, item.FilePath, remaining)
}

// RequestCustomDownload выдаёт одноразовую ссылку на готовый файл
// индивидуального заказа.
func (s *Service) RequestCustomDownload(ctx context.Context, identity middleware.Identity, customOrderID string) (*Grant, error) {
	custom, err := s.store.GetCustomOrder(ctx, customOrderID)
	if errors.Is(err, repository.ErrCustomOrderNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get custom order: %w", err)
	}

	if custom.UserID != identity.UserID && !identity.IsAdmin {
		return nil, ErrNotFound
	}
	if custom.Status != model.CustomStatusCompleted || custom.CompletedFilePath == "" {
		return nil, ErrNotPayable
	}

	if custom.MaxDownloadCount > 0 && custom.DownloadCount >= custom.MaxDownloadCount {
		return nil, ErrLimitExceeded
	}
	if custom.DownloadExpiresAt != nil && !s.now().Before(*custom.DownloadExpiresAt) {
		return nil, ErrExpired
	}

	count, ok, err := s.store.IncrementCustomDownloadCount(ctx, customOrderID)
	if err != nil {
		return nil, fmt.Errorf("increment download count: %w", err)
	}
	if !ok {
		return nil, ErrLimitExceeded
	}

	remaining := 0
	if custom.MaxDownloadCount > 0 {
		remaining = custom.MaxDownloadCount - count
	}

	return s.issue(ctx, custom.CompletedFilePath, remaining)
}

func (s *Service) issue(ctx context.Context, filePath string, remaining int) (*Grant, error) {
	expiresAt := s.now().Add(s.ttl)
	token, tokenID := s.signer.Sign(expiresAt)

	if err := s.tokens.Issue(ctx, tokenID, filePath, s.ttl); err != nil {
		return nil, err
	}

	return &Grant{
		Token:     token,
		URL:       "/download/" + token,
		ExpiresAt: expiresAt,
		Remaining: remaining,
	}, nil
}

// Redeem погашает одноразовый токен и возвращает путь файла.
// Проверка подписи идёт до обращения к хранилищу: поддельный токен
// не трогает Redis.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	tokenID, err := s.signer.Verify(token, s.now())
	if err != nil {
		return "", err
	}

	filePath, err := s.tokens.Redeem(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenUsed) {
			s.log.Warn("download token reused", zap.String("token_id", tokenID))
		}
		return "", err
	}

	return filePath, nil
}
