// Package handler содержит HTTP-обработчики API магазина нотных партитур.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/sheetmarket-system/internal/middleware"
	"github.com/mmeshcher/sheetmarket-system/internal/model"
	"github.com/mmeshcher/sheetmarket-system/internal/provider"
	"github.com/mmeshcher/sheetmarket-system/internal/reconciler"
	"github.com/mmeshcher/sheetmarket-system/internal/repository"
	"github.com/mmeshcher/sheetmarket-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)

	Checkout(ctx context.Context, in service.CheckoutInput) (*service.CheckoutResult, error)
	TopUp(ctx context.Context, in service.TopUpInput) (*service.CheckoutResult, error)
	GetOrder(ctx context.Context, userID int64, isAdmin bool, orderID string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	CancelOrder(ctx context.Context, userID int64, orderID string) error
	HandleClientReturn(ctx context.Context, userID int64, orderID string, success bool) (*model.Order, error)
	HandleWebhook(ctx context.Context, providerTag model.PaymentProvider, header http.Header, body []byte) (*reconciler.Result, error)
	ConfirmDeposit(ctx context.Context, orderID string) (*reconciler.Result, error)
	GetPaymentEvents(ctx context.Context, orderID string) ([]model.PaymentEvent, error)

	GetBalance(ctx context.Context, userID int64) (int64, error)
	GetLedgerHistory(ctx context.Context, userID int64) ([]model.LedgerEntry, error)

	CreateCustomOrder(ctx context.Context, userID int64, songTitle, artist, requirements string) (string, error)
	GetCustomOrder(ctx context.Context, userID int64, isAdmin bool, customOrderID string) (*model.CustomOrder, error)
	GetCustomOrdersByUser(ctx context.Context, userID int64) ([]model.CustomOrder, error)
	PostCustomMessage(ctx context.Context, userID int64, isAdmin bool, customOrderID, body string) (*model.Message, error)
	GetCustomMessages(ctx context.Context, userID int64, isAdmin bool, customOrderID string) ([]model.Message, error)
	QuoteCustomOrder(ctx context.Context, customOrderID string, price int64) error
	UpdateCustomOrderStatus(ctx context.Context, customOrderID string, to model.CustomOrderStatus) error
	CompleteCustomOrder(ctx context.Context, customOrderID, filePath string, downloadWindow time.Duration) error
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service        Service
	downloads      Downloads
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	filesRoot      string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, downloads Downloads, logger *zap.Logger, auth *middleware.AuthMiddleware, filesRoot string) *Handler {
	return &Handler{
		service:        s,
		downloads:      downloads,
		logger:         logger,
		authMiddleware: auth,
		filesRoot:      filesRoot,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Заголовок уже ушёл, остаётся только оборвать тело.
		return
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Identity{UserID: userID})
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, middleware.Identity{UserID: user.ID, IsAdmin: user.IsAdmin})
	w.WriteHeader(http.StatusOK)
}

type checkoutItemRequest struct {
	SheetID  string `json:"sheet_id"`
	Title    string `json:"title"`
	FilePath string `json:"file_path"`
	Price    int64  `json:"price"`
}

type checkoutRequest struct {
	PaymentMethod string                `json:"payment_method"`
	Currency      string                `json:"currency"`
	DepositorName string                `json:"depositor_name"`
	ReturnURL     string                `json:"return_url"`
	Items         []checkoutItemRequest `json:"items"`
}

type checkoutResponse struct {
	OrderID         string                   `json:"order_id"`
	OrderNumber     string                   `json:"order_number"`
	Status          string                   `json:"status"`
	RedirectURL     string                   `json:"redirect_url,omitempty"`
	VirtualAccount  *provider.VirtualAccount `json:"virtual_account,omitempty"`
	ChargedAmount   int64                    `json:"charged_amount"`
	ChargedCurrency string                   `json:"charged_currency"`
}

// CreateOrder оформляет заказ на партитуры и открывает платёжную сессию.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items := make([]service.CheckoutItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.SheetID == "" || item.Price <= 0 {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		items = append(items, service.CheckoutItem{
			SheetID:    item.SheetID,
			SheetTitle: item.Title,
			FilePath:   item.FilePath,
			PriceKRW:   item.Price,
		})
	}

	result, err := h.service.Checkout(r.Context(), service.CheckoutInput{
		UserID:        identity.UserID,
		Method:        model.PaymentMethod(req.PaymentMethod),
		Currency:      model.Currency(req.Currency),
		DepositorName: req.DepositorName,
		ReturnTarget:  req.ReturnURL,
		Items:         items,
	})
	if err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		OrderID:         result.OrderID,
		OrderNumber:     result.OrderNumber,
		Status:          string(result.Status),
		RedirectURL:     result.RedirectURL,
		VirtualAccount:  result.VirtualAccount,
		ChargedAmount:   result.ChargedAmount,
		ChargedCurrency: string(result.ChargedCurrency),
	})
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyOrder), errors.Is(err, service.ErrUnsupportedCurrency):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, provider.ErrUnsupportedMethod):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, provider.ErrSessionRejected), errors.Is(err, provider.ErrNotConfigured):
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error("checkout error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type topUpRequest struct {
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"payment_method"`
	DepositorName string `json:"depositor_name"`
	ReturnURL     string `json:"return_url"`
}

// TopUp оформляет заказ на пополнение внутреннего баланса.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	result, err := h.service.TopUp(r.Context(), service.TopUpInput{
		UserID:        identity.UserID,
		AmountKRW:     req.Amount,
		Method:        model.PaymentMethod(req.PaymentMethod),
		DepositorName: req.DepositorName,
		ReturnTarget:  req.ReturnURL,
	})
	if err != nil {
		h.writeCheckoutError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		OrderID:         result.OrderID,
		OrderNumber:     result.OrderNumber,
		Status:          string(result.Status),
		RedirectURL:     result.RedirectURL,
		VirtualAccount:  result.VirtualAccount,
		ChargedAmount:   result.ChargedAmount,
		ChargedCurrency: string(result.ChargedCurrency),
	})
}

type orderItemResponse struct {
	ID                string `json:"id"`
	SheetID           string `json:"sheet_id"`
	Title             string `json:"title"`
	Price             int64  `json:"price"`
	DownloadCount     int    `json:"download_count"`
	MaxDownloadCount  int    `json:"max_download_count"`
	DownloadExpiresAt string `json:"download_expires_at,omitempty"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	Number          string              `json:"number"`
	Type            string              `json:"type"`
	Status          string              `json:"status"`
	TotalAmount     int64               `json:"total_amount"`
	ChargedAmount   int64               `json:"charged_amount,omitempty"`
	ChargedCurrency string              `json:"charged_currency,omitempty"`
	BonusAmount     int64               `json:"bonus_amount,omitempty"`
	PaymentMethod   string              `json:"payment_method"`
	Items           []orderItemResponse `json:"items,omitempty"`
	CreatedAt       string              `json:"created_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		Number:          o.Number,
		Type:            string(o.Type),
		Status:          string(o.Status),
		TotalAmount:     o.TotalAmount,
		ChargedAmount:   o.ChargedAmount,
		ChargedCurrency: string(o.ChargedCurrency),
		BonusAmount:     o.BonusAmount,
		PaymentMethod:   string(o.Method),
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
	for _, item := range o.Items {
		ir := orderItemResponse{
			ID:               item.ID,
			SheetID:          item.SheetID,
			Title:            item.SheetTitle,
			Price:            item.Price,
			DownloadCount:    item.DownloadCount,
			MaxDownloadCount: item.MaxDownloadCount,
		}
		if item.DownloadExpiresAt != nil {
			ir.DownloadExpiresAt = item.DownloadExpiresAt.Format(time.RFC3339)
		}
		resp.Items = append(resp.Items, ir)
	}
	return resp
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", identity.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает один заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	order, err := h.service.GetOrder(r.Context(), identity.UserID, identity.IsAdmin, chi.URLParam(r, "orderID"))
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// CancelOrder отменяет неоплаченный заказ.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	err := h.service.CancelOrder(r.Context(), identity.UserID, chi.URLParam(r, "orderID"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrTerminalState):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("cancel order error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type clientReturnRequest struct {
	Success bool `json:"success"`
}

// ClientReturn фиксирует возврат покупателя со страницы провайдера.
// Ответ всегда отражает текущий статус заказа: успешный redirect
// до прихода webhook вернёт pending.
func (h *Handler) ClientReturn(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req clientReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.HandleClientReturn(r.Context(), identity.UserID, chi.URLParam(r, "orderID"), req.Success)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("client return error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// Webhook принимает серверное уведомление платёжного провайдера.
// Уведомление с неверной подписью отклоняется с 401 до разбора тела.
// Дубликаты и противоречия не считаются ошибками: провайдеру всегда
// отвечаем 200, чтобы он не ретраил бесконечно.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	providerTag := model.PaymentProvider(chi.URLParam(r, "provider"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	result, err := h.service.HandleWebhook(r.Context(), providerTag, r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrBadSignature):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, provider.ErrUnsupportedMethod), errors.Is(err, provider.ErrNoWebhook),
			errors.Is(err, provider.ErrNotConfigured):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, reconciler.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("webhook error", zap.Error(err), zap.String("provider", string(providerTag)))
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  string(result.Order.Status),
		"applied": result.Applied,
	})
}

// ConfirmDeposit подтверждает безналичный перевод вручную.
func (h *Handler) ConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ConfirmDeposit(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("confirm deposit error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if !result.Applied {
		// Заказ уже в конечном статусе, повтор безопасен.
		writeJSON(w, http.StatusConflict, map[string]any{"status": string(result.Order.Status)})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": string(result.Order.Status)})
}

// GetPaymentEvents возвращает журнал платёжных сигналов заказа.
func (h *Handler) GetPaymentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.GetPaymentEvents(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.logger.Error("get payment events error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	type eventResponse struct {
		Source        string `json:"source"`
		Provider      string `json:"provider"`
		TransactionID string `json:"transaction_id"`
		Outcome       string `json:"outcome,omitempty"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency,omitempty"`
		Anomaly       bool   `json:"anomaly"`
		Note          string `json:"note,omitempty"`
		CreatedAt     string `json:"created_at"`
	}

	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventResponse{
			Source:        string(e.Source),
			Provider:      string(e.Provider),
			TransactionID: e.TransactionID,
			Outcome:       string(e.Outcome),
			Amount:        e.Amount,
			Currency:      string(e.Currency),
			Anomaly:       e.Anomaly,
			Note:          e.Note,
			CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type balanceResponse struct {
	Credits int64 `json:"credits"`
}

// GetBalance возвращает внутренний баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	credits, err := h.service.GetBalance(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", identity.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Credits: credits})
}

type ledgerEntryResponse struct {
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BonusAmount  int64  `json:"bonus_amount,omitempty"`
	BalanceAfter int64  `json:"balance_after"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// GetBalanceHistory возвращает историю пополнений и списаний.
func (h *Handler) GetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.GetLedgerHistory(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("get balance history error", zap.Error(err), zap.Int64("userID", identity.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			Type:         string(e.Type),
			Amount:       e.Amount,
			BonusAmount:  e.BonusAmount,
			BalanceAfter: e.BalanceAfter,
			Description:  e.Description,
			CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
