// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// Формат номера заказа: префикс "ORD", 14 цифр отметки времени
// (ГГГГММДДччммсс) и 4 цифры случайного суффикса.
const (
	orderNumberPrefix = "ORD"
	orderNumberDigits = 18
)

// IsValidOrderNumber проверяет корректность формата номера заказа.
func IsValidOrderNumber(number string) bool {
	if len(number) != len(orderNumberPrefix)+orderNumberDigits {
		return false
	}

	if number[:len(orderNumberPrefix)] != orderNumberPrefix {
		return false
	}

	for _, ch := range number[len(orderNumberPrefix):] {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}
