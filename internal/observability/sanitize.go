package observability

import "regexp"

// Message bodies routinely carry OTP codes, card numbers and amounts; they
// must never reach the logs verbatim.

var (
	// Contextual OTP: a keyword followed within 100 chars by a 4-8 digit code.
	contextualOTPPattern = regexp.MustCompile(`(?i)\b(?:codigo|otp|code|clave|password|pin)\b[^\d]{0,100}?(\d{4,8})`)

	// 16-digit card numbers, with or without "-"/" " separators.
	cardPattern = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)

	// Amounts with thousands separators and optional decimals: 1.000,00 / 1,000.00.
	amountPattern = regexp.MustCompile(`\b\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{2})?\b`)

	// Document numbers with thousands separators: 1.234.567.
	documentPattern = regexp.MustCompile(`\b\d{1,3}(?:[.,]\d{3})+\b`)

	emailPattern = regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`)

	otpDigits = regexp.MustCompile(`\d{4,8}`)
)

// Sanitize masks sensitive substrings in a log message: card numbers,
// emails, amounts, document numbers and contextual OTP codes.
func Sanitize(message string) string {
	s := cardPattern.ReplaceAllString(message, "**** **** **** ****")
	s = emailPattern.ReplaceAllString(s, "****@****")
	s = amountPattern.ReplaceAllString(s, "****")
	s = documentPattern.ReplaceAllString(s, "****")
	s = contextualOTPPattern.ReplaceAllStringFunc(s, func(match string) string {
		return otpDigits.ReplaceAllString(match, "****")
	})
	return s
}
