package currency

import (
	"testing"

	"github.com/mmeshcher/sheetmarket-system/internal/model"
)

func TestConvert(t *testing.T) {
	c := NewConverter(DefaultRates())

	tests := []struct {
		name      string
		amountKRW int64
		target    model.Currency
		want      int64
	}{
		{
			name:      "KRW passthrough",
			amountKRW: 3000,
			target:    model.CurrencyKRW,
			want:      3000,
		},
		{
			name:      "USD in cents",
			amountKRW: 3000,
			target:    model.CurrencyUSD,
			want:      231, // 3000 / 1300 = 2.3077 USD
		},
		{
			name:      "JPY whole units",
			amountKRW: 3000,
			target:    model.CurrencyJPY,
			want:      300,
		},
		{
			name:      "VND whole units",
			amountKRW: 3000,
			target:    model.CurrencyVND,
			want:      57692,
		},
		{
			name:      "EUR in cents",
			amountKRW: 50000,
			target:    model.CurrencyEUR,
			want:      3571, // 50000 / 1400 = 35.714 EUR
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Convert(tt.amountKRW, tt.target)
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Convert(%d, %s) = %d, want %d", tt.amountKRW, tt.target, got, tt.want)
			}
		})
	}
}

func TestConvertDeterministic(t *testing.T) {
	c := NewConverter(DefaultRates())

	first, err := c.Convert(12345, model.CurrencyUSD)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	second, err := c.Convert(12345, model.CurrencyUSD)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	if first != second {
		t.Fatalf("conversion must be deterministic: got %d and %d", first, second)
	}
}

func TestConvertUnknownCurrency(t *testing.T) {
	c := NewConverter(Rates{})

	if _, err := c.Convert(1000, model.CurrencyUSD); err == nil {
		t.Fatalf("expected error for missing rate")
	}
}

func TestPointPrice(t *testing.T) {
	tests := []struct {
		amountKRW int64
		want      int64
	}{
		{50000, 42500}, // 50000*0.85 = 42500, кратно 100
		{10000, 8500},
		{3333, 2800}, // 2833.05 -> floor to 2800
		{100, 0},     // 85 -> floor to 0
		{0, 0},
		{-500, 0},
	}

	for _, tt := range tests {
		if got := PointPrice(tt.amountKRW); got != tt.want {
			t.Fatalf("PointPrice(%d) = %d, want %d", tt.amountKRW, got, tt.want)
		}
	}
}
