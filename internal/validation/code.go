// Package validation содержит функции валидации входных данных.
package validation

import (
	"crypto/rand"
	"fmt"
	"unicode"
)

const couponCodeLength = 16

// IsValidCouponCode проверяет корректность кода купона по алгоритму Луна.
func IsValidCouponCode(code string) bool {
	if len(code) != couponCodeLength {
		return false
	}

	sum := 0
	double := false

	for i := len(code) - 1; i >= 0; i-- {
		ch := rune(code[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}

// GenerateCouponCode генерирует случайный цифровой код купона
// с контрольной цифрой по алгоритму Луна.
func GenerateCouponCode() (string, error) {
	buf := make([]byte, couponCodeLength-1)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	payload := make([]byte, couponCodeLength-1)
	for i, b := range buf {
		payload[i] = '0' + b%10
	}

	for d := byte(0); d < 10; d++ {
		code := string(payload) + string('0'+d)
		if IsValidCouponCode(code) {
			return code, nil
		}
	}

	return "", fmt.Errorf("no check digit found for %s", payload)
}
