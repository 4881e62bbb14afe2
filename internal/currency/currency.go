// Package currency содержит конвертацию сумм из базовой валюты (KRW)
// в валюту оплаты и расчёт льготной цены для внутреннего баланса.
package currency

import (
	"fmt"
	"math"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

// Rates — снимок фиксированных курсов: сколько KRW стоит одна единица валюты.
// Конвертация детерминирована для одного снимка: сумма, показанная
// покупателю до оплаты, совпадает с суммой списания.
type Rates map[model.Currency]float64

// DefaultRates возвращает снимок курсов по умолчанию.
func DefaultRates() Rates {
	return Rates{
		model.CurrencyKRW: 1,
		model.CurrencyUSD: 1300,
		model.CurrencyJPY: 10,
		model.CurrencyCNY: 180,
		model.CurrencyTWD: 42,
		model.CurrencyEUR: 1400,
		model.CurrencyBRL: 260,
		model.CurrencyRUB: 14,
		model.CurrencyTHB: 36,
		model.CurrencyVND: 0.052,
		model.CurrencyIDR: 0.083,
		model.CurrencyINR: 15.6,
		model.CurrencyPHP: 23,
	}
}

// zeroDecimal перечисляет валюты без минорных единиц: суммы в них
// округляются до целой единицы.
var zeroDecimal = map[model.Currency]bool{
	model.CurrencyKRW: true,
	model.CurrencyJPY: true,
	model.CurrencyVND: true,
	model.CurrencyIDR: true,
}

// Converter выполняет конвертацию по зафиксированному снимку курсов.
type Converter struct {
	rates Rates
}

// NewConverter создаёт конвертер по указанному снимку курсов.
func NewConverter(rates Rates) *Converter {
	return &Converter{rates: rates}
}

// Convert переводит сумму в KRW в минорные единицы целевой валюты.
// Для валют без минорных единиц результат — целые единицы, для остальных —
// сотые доли (центы).
func (c *Converter) Convert(amountKRW int64, target model.Currency) (int64, error) {
	if target == model.CurrencyKRW {
		return amountKRW, nil
	}

	rate, ok := c.rates[target]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("no exchange rate for currency %s", target)
	}

	units := float64(amountKRW) / rate

	if zeroDecimal[target] {
		return int64(math.Round(units)), nil
	}

	return int64(math.Round(units * 100)), nil
}

// Supported сообщает, известен ли конвертеру курс указанной валюты.
func (c *Converter) Supported(target model.Currency) bool {
	if target == model.CurrencyKRW {
		return true
	}
	rate, ok := c.rates[target]
	return ok && rate > 0
}

// pointPriceFactorPercent — процент от цены KRW при оплате внутренним балансом.
const pointPriceFactorPercent = 85

// PointPrice возвращает льготную цену при оплате внутренним балансом:
// 85% от цены в KRW с округлением вниз до шага в 100 единиц.
// Скидка применяется только к оплате балансом, никогда — к платежам
// через провайдеров.
func PointPrice(amountKRW int64) int64 {
	if amountKRW <= 0 {
		return 0
	}
	raw := amountKRW * pointPriceFactorPercent / 100
	return raw / 100 * 100
}
