package mpesa

import (
	"strings"

	"github.com/frahmantamala/soko-payments/internal"
)

const (
	DefaultCountryCode = "254"

	minPhoneDigits = 10
	maxPhoneDigits = 15
)

// NormalizePhone turns a user-entered number into the international form
// the gateway expects: surrounding space and a leading "+" are dropped, a
// leading "0" is replaced by the country code, anything else is kept as is.
func NormalizePhone(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	phone := strings.TrimSpace(raw)
	phone = strings.TrimPrefix(phone, "+")
	phone = strings.ReplaceAll(phone, " ", "")

	if strings.HasPrefix(phone, "0") {
		phone = countryCode + phone[1:]
	}

	if !isDigits(phone) {
		return "", internal.NewValidationFieldError("phone", "phone number must contain digits only", internal.ErrCodeInvalidPhone)
	}
	if len(phone) < minPhoneDigits || len(phone) > maxPhoneDigits {
		return "", internal.NewValidationFieldError("phone", "phone number must have between 10 and 15 digits", internal.ErrCodeInvalidPhone)
	}
	return phone, nil
}

// ValidatePaybill checks a paybill business number.
func ValidatePaybill(number string) error {
	number = strings.TrimSpace(number)
	if !isDigits(number) || len(number) < 5 || len(number) > 10 {
		return internal.NewValidationFieldError("paybill_number", "paybill number must be 5 to 10 digits", internal.ErrCodeValidationFailed)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
