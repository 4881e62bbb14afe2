package provider

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// newHTTPClient создаёт HTTP-клиент для обращений к API провайдеров:
// ограниченный таймаут на всю попытку и короткие повторы сетевых сбоев.
// Сессия, не созданная за отведённое время, безопасно превращается
// в повторяемую ошибку — заказ остаётся pending.
func newHTTPClient(timeout time.Duration) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return rc.StandardClient()
}
