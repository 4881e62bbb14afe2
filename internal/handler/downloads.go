package handler

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/sheetmarket-system/internal/entitlement"
	"github.com/mmeshcher/sheetmarket-system/internal/middleware"
)

// Downloads определяет контракт выдачи и погашения прав на скачивание.
type Downloads interface {
	RequestItemDownload(ctx context.Context, identity middleware.Identity, orderID, itemID string) (*entitlement.Grant, error)
	RequestCustomDownload(ctx context.Context, identity middleware.Identity, customOrderID string) (*entitlement.Grant, error)
	Redeem(ctx context.Context, token string) (string, error)
}

type grantResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
	Remaining int    `json:"remaining"`
}

// RequestItemDownload выдаёт одноразовую ссылку на позицию оплаченного заказа.
func (h *Handler) RequestItemDownload(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	grant, err := h.downloads.RequestItemDownload(r.Context(), identity, chi.URLParam(r, "orderID"), chi.URLParam(r, "itemID"))
	if err != nil {
		h.writeDownloadError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, grantResponse{
		URL:       grant.URL,
		ExpiresAt: grant.ExpiresAt.Format(time.RFC3339),
		Remaining: grant.Remaining,
	})
}

// RequestCustomDownload выдаёт одноразовую ссылку на готовый файл
// индивидуального заказа.
func (h *Handler) RequestCustomDownload(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	grant, err := h.downloads.RequestCustomDownload(r.Context(), identity, chi.URLParam(r, "customOrderID"))
	if err != nil {
		h.writeDownloadError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, grantResponse{
		URL:       grant.URL,
		ExpiresAt: grant.ExpiresAt.Format(time.RFC3339),
		Remaining: grant.Remaining,
	})
}

func (h *Handler) writeDownloadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entitlement.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, entitlement.ErrNotPayable):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, entitlement.ErrLimitExceeded):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, entitlement.ErrExpired):
		http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
	default:
		h.logger.Error("request download error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// Download отдаёт файл по одноразовому подписанному токену.
// Токен гасится до отдачи файла, повторная загрузка по той же ссылке
// невозможна.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	filePath, err := h.downloads.Redeem(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrTokenInvalid):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, entitlement.ErrTokenExpired), errors.Is(err, entitlement.ErrTokenUsed):
			http.Error(w, http.StatusText(http.StatusGone), http.StatusGone)
		default:
			h.logger.Error("redeem download token error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	// Путь из хранилища токенов всегда относительный. Выход за пределы
	// каталога файлов блокируется.
	cleaned := filepath.Clean("/" + filePath)
	full := filepath.Join(h.filesRoot, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(h.filesRoot)) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(full))
	http.ServeFile(w, r, full)
}
