package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mmeshcher/sheetmarket-system/internal/currency"
	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

// signedHeader подписывает тело уведомления так, как это делает провайдер.
func signedHeader(secret, timestamp string, body []byte) http.Header {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	h := http.Header{}
	h.Set("Webhook-Timestamp", timestamp)
	h.Set("Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	return h
}

func TestRegistryForMethod(t *testing.T) {
	portone := NewPortOneAdapter("http://portone", "mid", "key", "whsec", time.Second)
	paypal := NewPayPalAdapter("http://portone", "mid", "key", "whsec", "paypal-channel", currency.NewConverter(currency.DefaultRates()), time.Second)
	bank := NewBankTransferAdapter(true, "KB", "123-456", "SheetMarket")
	registry := NewRegistry(portone, paypal, bank)

	tests := []struct {
		method model.PaymentMethod
		want   model.PaymentProvider
	}{
		{model.MethodCard, model.ProviderPortOne},
		{model.MethodKakaoPay, model.ProviderPortOne},
		{model.MethodPayPal, model.ProviderPayPal},
		{model.MethodBankTransfer, model.ProviderBankTransfer},
	}

	for _, tt := range tests {
		adapter, err := registry.ForMethod(tt.method)
		if err != nil {
			t.Fatalf("ForMethod(%s): unexpected error %v", tt.method, err)
		}
		if adapter.Provider() != tt.want {
			t.Errorf("ForMethod(%s) = %s, want %s", tt.method, adapter.Provider(), tt.want)
		}
	}

	if _, err := registry.ForMethod(model.MethodCash); !errors.Is(err, ErrUnsupportedMethod) {
		t.Errorf("ForMethod(cash): got %v, want ErrUnsupportedMethod", err)
	}
}

func TestRegistryForProvider(t *testing.T) {
	registry := NewRegistry(NewBankTransferAdapter(true, "KB", "123-456", "SheetMarket"))

	if _, err := registry.ForProvider(model.ProviderBankTransfer); err != nil {
		t.Fatalf("ForProvider(bank_transfer): unexpected error %v", err)
	}
	if _, err := registry.ForProvider(model.ProviderInicis); !errors.Is(err, ErrUnsupportedMethod) {
		t.Errorf("ForProvider(inicis): got %v, want ErrUnsupportedMethod", err)
	}
}

func TestPortOneCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments/session" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization header = %q", got)
		}

		var req portOneSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Amount != 42500 || req.Currency != "KRW" || req.PayMethod != "kakaopay" {
			t.Errorf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"response":{"session_id":"imp_100","redirect_url":"https://pay.example/imp_100"}}`))
	}))
	defer srv.Close()

	adapter := NewPortOneAdapter(srv.URL, "mid", "secret", "whsec", time.Second)
	session, err := adapter.CreateSession(context.Background(), PaymentRequest{
		OrderID:     "order-1",
		OrderNumber: "ORD202501020304051234",
		AmountKRW:   42500,
		Method:      model.MethodKakaoPay,
		Description: "Заказ нот",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.TransactionID != "imp_100" {
		t.Errorf("TransactionID = %s, want imp_100", session.TransactionID)
	}
	if session.ChargedAmount != 42500 || session.ChargedCurrency != model.CurrencyKRW {
		t.Errorf("charged %d %s, want 42500 KRW", session.ChargedAmount, session.ChargedCurrency)
	}
}

func TestPortOneCreateSessionRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":-1,"message":"invalid merchant"}`))
	}))
	defer srv.Close()

	adapter := NewPortOneAdapter(srv.URL, "mid", "secret", "whsec", time.Second)
	_, err := adapter.CreateSession(context.Background(), PaymentRequest{OrderID: "order-1", AmountKRW: 100})
	if !errors.Is(err, ErrSessionRejected) {
		t.Fatalf("got %v, want ErrSessionRejected", err)
	}
}

func TestPortOneNotConfigured(t *testing.T) {
	adapter := NewPortOneAdapter("", "", "", "", time.Second)
	if _, err := adapter.CreateSession(context.Background(), PaymentRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
}

func TestPortOneParseWebhook(t *testing.T) {
	adapter := NewPortOneAdapter("http://portone", "mid", "key", "whsec", time.Second)

	tests := []struct {
		name    string
		body    string
		wantTx  string
		wantOrd string
		wantOut model.SignalOutcome
	}{
		{
			name:    "успешная оплата",
			body:    `{"imp_uid":"imp_1","merchant_uid":"order-1","status":"paid","amount":42500,"currency":"KRW"}`,
			wantTx:  "imp_1",
			wantOrd: "order-1",
			wantOut: model.OutcomeSuccess,
		},
		{
			name:    "резервный идентификатор транзакции",
			body:    `{"pg_tid":"pg_9","merchant_uid":"order-2","status":"failed"}`,
			wantTx:  "pg_9",
			wantOrd: "order-2",
			wantOut: model.OutcomeFailure,
		},
		{
			name:    "резервный идентификатор заказа",
			body:    `{"imp_uid":"imp_3","status":"paid","custom_data":{"order_id":"order-3"}}`,
			wantTx:  "imp_3",
			wantOrd: "order-3",
			wantOut: model.OutcomeSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			signal, err := adapter.ParseWebhook(signedHeader("whsec", "1718000000", body), body)
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if signal.TransactionID != tt.wantTx {
				t.Errorf("TransactionID = %s, want %s", signal.TransactionID, tt.wantTx)
			}
			if signal.OrderID != tt.wantOrd {
				t.Errorf("OrderID = %s, want %s", signal.OrderID, tt.wantOrd)
			}
			if signal.Outcome != tt.wantOut {
				t.Errorf("Outcome = %s, want %s", signal.Outcome, tt.wantOut)
			}
			if signal.Source != model.SourceWebhook {
				t.Errorf("Source = %s, want webhook", signal.Source)
			}
		})
	}
}

func TestPortOneParseWebhookNoIdentifiers(t *testing.T) {
	adapter := NewPortOneAdapter("http://portone", "mid", "key", "whsec", time.Second)
	body := []byte(`{"status":"paid"}`)
	if _, err := adapter.ParseWebhook(signedHeader("whsec", "1718000000", body), body); err == nil {
		t.Fatal("expected error for webhook without identifiers")
	}
}

func TestPortOneParseWebhookRejectsBadSignature(t *testing.T) {
	adapter := NewPortOneAdapter("http://portone", "mid", "key", "whsec", time.Second)
	body := []byte(`{"imp_uid":"imp_1","merchant_uid":"order-1","status":"paid","amount":1}`)

	tests := []struct {
		name   string
		header http.Header
	}{
		{"без заголовков", http.Header{}},
		{"чужой секрет", signedHeader("other-secret", "1718000000", body)},
		{"подмена тела", signedHeader("whsec", "1718000000", []byte(`{"imp_uid":"imp_1","status":"paid","amount":42500}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := adapter.ParseWebhook(tt.header, body); !errors.Is(err, ErrBadSignature) {
				t.Fatalf("got %v, want ErrBadSignature", err)
			}
		})
	}
}

func TestParseWebhookWithoutSecret(t *testing.T) {
	// Эндпоинт без webhook-секрета не принимает уведомления вовсе:
	// отсутствие секрета нельзя превращать в приём без проверки.
	adapter := NewPortOneAdapter("http://portone", "mid", "key", "", time.Second)
	body := []byte(`{"imp_uid":"imp_1","merchant_uid":"order-1","status":"paid"}`)
	if _, err := adapter.ParseWebhook(signedHeader("", "1718000000", body), body); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
}

func TestPayPalCreateSessionConvertsToUSD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req paypalSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		// 3000 KRW по курсу 1300 KRW/USD — 2.31 USD.
		if req.AmountUSD != 2.31 {
			t.Errorf("AmountUSD = %v, want 2.31", req.AmountUSD)
		}
		_, _ = w.Write([]byte(`{"code":0,"response":{"paypal_order_id":"PP-1","approval_url":"https://paypal.example/PP-1"}}`))
	}))
	defer srv.Close()

	adapter := NewPayPalAdapter(srv.URL, "mid", "key", "whsec", "paypal-channel", currency.NewConverter(currency.DefaultRates()), time.Second)
	session, err := adapter.CreateSession(context.Background(), PaymentRequest{OrderID: "order-1", AmountKRW: 3000})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.ChargedAmount != 231 || session.ChargedCurrency != model.CurrencyUSD {
		t.Errorf("charged %d %s, want 231 USD", session.ChargedAmount, session.ChargedCurrency)
	}
	if session.TransactionID != "PP-1" {
		t.Errorf("TransactionID = %s, want PP-1", session.TransactionID)
	}
}

func TestPayPalParseWebhook(t *testing.T) {
	adapter := NewPayPalAdapter("http://portone", "mid", "key", "whsec", "ch", currency.NewConverter(currency.DefaultRates()), time.Second)

	body := []byte(`{"paypal_order_id":"PP-7","merchant_uid":"order-7","status":"COMPLETED","paid_amount":2.31,"currency":"USD"}`)
	signal, err := adapter.ParseWebhook(signedHeader("whsec", "1718000000", body), body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if signal.TransactionID != "PP-7" || signal.Outcome != model.OutcomeSuccess {
		t.Errorf("unexpected signal: %+v", signal)
	}
	if signal.ChargedAmount != 231 || signal.ChargedCurrency != model.CurrencyUSD {
		t.Errorf("charged %d %s, want 231 USD", signal.ChargedAmount, signal.ChargedCurrency)
	}

	fallbackBody := []byte(`{"imp_uid":"imp_8","merchant_uid":"order-8","status":"cancelled"}`)
	fallback, err := adapter.ParseWebhook(signedHeader("whsec", "1718000001", fallbackBody), fallbackBody)
	if err != nil {
		t.Fatalf("ParseWebhook fallback: %v", err)
	}
	if fallback.TransactionID != "imp_8" || fallback.Outcome != model.OutcomeFailure {
		t.Errorf("unexpected fallback signal: %+v", fallback)
	}
}

func TestInicisParseWebhook(t *testing.T) {
	adapter := NewInicisAdapter("http://inicis", "mid", "sign", time.Second)

	tests := []struct {
		name    string
		body    string
		wantTx  string
		wantOrd string
		wantOut model.SignalOutcome
	}{
		{
			name:    "современный формат",
			body:    `{"tid":"INI-1","oid":"ORD202501020304051234","resultCode":"0000","P_AMT":42500}`,
			wantTx:  "INI-1",
			wantOrd: "ORD202501020304051234",
			wantOut: model.OutcomeSuccess,
		},
		{
			name:    "legacy-поля перевода",
			body:    `{"P_TID":"INI-2","P_OID":"ORD202501020304059999","P_STATUS":"00"}`,
			wantTx:  "INI-2",
			wantOrd: "ORD202501020304059999",
			wantOut: model.OutcomeSuccess,
		},
		{
			name:    "MOID как последний резерв",
			body:    `{"P_TID":"INI-3","MOID":"ORD202501020304050001","P_STATUS":"01"}`,
			wantTx:  "INI-3",
			wantOrd: "ORD202501020304050001",
			wantOut: model.OutcomeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(tt.body)
			signal, err := adapter.ParseWebhook(signedHeader("sign", "1718000000", body), body)
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if signal.TransactionID != tt.wantTx {
				t.Errorf("TransactionID = %s, want %s", signal.TransactionID, tt.wantTx)
			}
			if signal.OrderID != tt.wantOrd {
				t.Errorf("OrderID = %s, want %s", signal.OrderID, tt.wantOrd)
			}
			if signal.Outcome != tt.wantOut {
				t.Errorf("Outcome = %s, want %s", signal.Outcome, tt.wantOut)
			}
		})
	}
}

func TestInicisParseWebhookRejectsBadSignature(t *testing.T) {
	adapter := NewInicisAdapter("http://inicis", "mid", "sign", time.Second)
	body := []byte(`{"tid":"INI-1","oid":"ORD202501020304051234","resultCode":"0000","P_AMT":1}`)

	if _, err := adapter.ParseWebhook(signedHeader("wrong-key", "1718000000", body), body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
	if _, err := adapter.ParseWebhook(http.Header{}, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got %v, want ErrBadSignature", err)
	}
}

func TestBankTransferCreateSession(t *testing.T) {
	adapter := NewBankTransferAdapter(true, "KB Kookmin", "123-456-789", "SheetMarket")

	session, err := adapter.CreateSession(context.Background(), PaymentRequest{
		OrderID:       "order-1",
		AmountKRW:     50000,
		DepositorName: "Hong Gildong",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(session.TransactionID, "bank-") {
		t.Errorf("TransactionID = %s, want bank- prefix", session.TransactionID)
	}
	if session.VirtualAccount == nil || session.VirtualAccount.BankName != "KB Kookmin" {
		t.Errorf("unexpected virtual account: %+v", session.VirtualAccount)
	}
	if session.ChargedAmount != 50000 || session.ChargedCurrency != model.CurrencyKRW {
		t.Errorf("charged %d %s, want 50000 KRW", session.ChargedAmount, session.ChargedCurrency)
	}

	if _, err := adapter.ParseWebhook(nil, nil); !errors.Is(err, ErrNoWebhook) {
		t.Errorf("ParseWebhook: got %v, want ErrNoWebhook", err)
	}
}

func TestBankTransferInactive(t *testing.T) {
	adapter := NewBankTransferAdapter(false, "", "", "")
	if _, err := adapter.CreateSession(context.Background(), PaymentRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount   float64
		currency model.Currency
		want     int64
	}{
		{42500, model.CurrencyKRW, 42500},
		{300, model.CurrencyJPY, 300},
		{2.31, model.CurrencyUSD, 231},
		{23.07, model.CurrencyEUR, 2307},
	}

	for _, tt := range tests {
		if got := minorUnits(tt.amount, tt.currency); got != tt.want {
			t.Errorf("minorUnits(%v, %s) = %d, want %d", tt.amount, tt.currency, got, tt.want)
		}
	}
}
