// Package validation содержит функции проверки формата кодов скидок.
package validation

import (
	"strings"
	"unicode/utf8"
)

const (
	// CodeLetters задаёт алфавит буквенной части кода: 28 различимых кириллических букв.
	CodeLetters = "АБВГДЕЖЗИКЛМНОПРСТУФХЦЧШЩЭЮЯ"
	// CodeDigits задаёт алфавит цифровой части кода.
	CodeDigits = "0123456789"

	// CodeLetterCount задаёт число букв в начале кода.
	CodeLetterCount = 3
	// CodeDigitCount задаёт число цифр в конце кода.
	CodeDigitCount = 4
	// CodeLength задаёт длину кода в символах.
	CodeLength = CodeLetterCount + CodeDigitCount
)

// IsValidCode проверяет, что код состоит из 3 букв алфавита и 4 цифр.
func IsValidCode(code string) bool {
	if utf8.RuneCountInString(code) != CodeLength {
		return false
	}

	i := 0
	for _, ch := range code {
		if i < CodeLetterCount {
			if !strings.ContainsRune(CodeLetters, ch) {
				return false
			}
		} else if ch < '0' || ch > '9' {
			return false
		}
		i++
	}

	return true
}

// NormalizeCode приводит введённый кассиром код к каноническому виду.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
