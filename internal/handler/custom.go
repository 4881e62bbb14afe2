package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/sheetmarket-system/internal/middleware"
	"github.com/mmeshcher/sheetmarket-system/internal/model"
	"github.com/mmeshcher/sheetmarket-system/internal/repository"
	"github.com/mmeshcher/sheetmarket-system/internal/service"
)

type customOrderRequest struct {
	SongTitle    string `json:"song_title"`
	Artist       string `json:"artist"`
	Requirements string `json:"requirements"`
}

type customOrderResponse struct {
	ID                string `json:"id"`
	SongTitle         string `json:"song_title"`
	Artist            string `json:"artist,omitempty"`
	Requirements      string `json:"requirements,omitempty"`
	Status            string `json:"status"`
	EstimatedPrice    *int64 `json:"estimated_price,omitempty"`
	DownloadCount     int    `json:"download_count"`
	MaxDownloadCount  int    `json:"max_download_count"`
	DownloadExpiresAt string `json:"download_expires_at,omitempty"`
	LatestAdminReply  string `json:"latest_admin_reply,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func toCustomOrderResponse(c *model.CustomOrder) customOrderResponse {
	resp := customOrderResponse{
		ID:               c.ID,
		SongTitle:        c.SongTitle,
		Artist:           c.Artist,
		Requirements:     c.Requirements,
		Status:           string(c.Status),
		EstimatedPrice:   c.EstimatedPrice,
		DownloadCount:    c.DownloadCount,
		MaxDownloadCount: c.MaxDownloadCount,
		LatestAdminReply: c.LatestAdminReply,
		CreatedAt:        c.CreatedAt.Format(time.RFC3339),
	}
	if c.DownloadExpiresAt != nil {
		resp.DownloadExpiresAt = c.DownloadExpiresAt.Format(time.RFC3339)
	}
	return resp
}

// CreateCustomOrder создаёт заявку на индивидуальную аранжировку.
func (h *Handler) CreateCustomOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req customOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.SongTitle == "" {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	id, err := h.service.CreateCustomOrder(r.Context(), identity.UserID, req.SongTitle, req.Artist, req.Requirements)
	if err != nil {
		h.logger.Error("create custom order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// GetCustomOrders возвращает индивидуальные заказы текущего пользователя.
func (h *Handler) GetCustomOrders(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	customs, err := h.service.GetCustomOrdersByUser(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("get custom orders error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(customs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]customOrderResponse, 0, len(customs))
	for i := range customs {
		resp = append(resp, toCustomOrderResponse(&customs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCustomOrder возвращает один индивидуальный заказ.
func (h *Handler) GetCustomOrder(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	custom, err := h.service.GetCustomOrder(r.Context(), identity.UserID, identity.IsAdmin, chi.URLParam(r, "customOrderID"))
	if err != nil {
		if errors.Is(err, repository.ErrCustomOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get custom order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toCustomOrderResponse(custom))
}

type messageRequest struct {
	Body string `json:"body"`
}

type messageResponse struct {
	ID        int64  `json:"id"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// PostCustomMessage добавляет сообщение в переписку по индивидуальному заказу.
func (h *Handler) PostCustomMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Body == "" {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	msg, err := h.service.PostCustomMessage(r.Context(), identity.UserID, identity.IsAdmin, chi.URLParam(r, "customOrderID"), req.Body)
	if err != nil {
		if errors.Is(err, repository.ErrCustomOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("post custom message error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, messageResponse{
		ID:        msg.ID,
		Sender:    string(msg.Sender),
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt.Format(time.RFC3339),
	})
}

// GetCustomMessages возвращает переписку по индивидуальному заказу.
func (h *Handler) GetCustomMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	messages, err := h.service.GetCustomMessages(r.Context(), identity.UserID, identity.IsAdmin, chi.URLParam(r, "customOrderID"))
	if err != nil {
		if errors.Is(err, repository.ErrCustomOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get custom messages error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		resp = append(resp, messageResponse{
			ID:        msg.ID,
			Sender:    string(msg.Sender),
			Body:      msg.Body,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type quoteRequest struct {
	Price int64 `json:"price"`
}

// QuoteCustomOrder выставляет оценку стоимости индивидуального заказа.
func (h *Handler) QuoteCustomOrder(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Price <= 0 {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	err := h.service.QuoteCustomOrder(r.Context(), chi.URLParam(r, "customOrderID"), req.Price)
	if err != nil {
		h.writeCustomStatusError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateCustomOrderStatus переводит индивидуальный заказ в новый статус.
func (h *Handler) UpdateCustomOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.UpdateCustomOrderStatus(r.Context(), chi.URLParam(r, "customOrderID"), model.CustomOrderStatus(req.Status))
	if err != nil {
		h.writeCustomStatusError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type completeRequest struct {
	FilePath string `json:"file_path"`
	// DownloadWindowDays — срок действия права на скачивание в днях.
	// Ноль означает бессрочное право.
	DownloadWindowDays int `json:"download_window_days"`
}

// CompleteCustomOrder завершает индивидуальный заказ и активирует скачивание.
func (h *Handler) CompleteCustomOrder(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.FilePath == "" {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	window := time.Duration(req.DownloadWindowDays) * 24 * time.Hour
	err := h.service.CompleteCustomOrder(r.Context(), chi.URLParam(r, "customOrderID"), req.FilePath, window)
	if err != nil {
		h.writeCustomStatusError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeCustomStatusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrCustomOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrTerminalState),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrNotQuoted):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error("custom order error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
