package utils

import (
	"strings"

	"voice-bridge/backend/internal/constants"
)

// LanguageNames maps language codes to display names
var LanguageNames = map[string]string{
	constants.LanguageCodeGerman:  "Deutsch",
	constants.LanguageCodeEnglish: "English",
	constants.LanguageCodeFrench:  "Français",
	constants.LanguageCodeItalian: "Italiano",
}

// NormalizeLanguage reduces a locale such as "de-CH" or "DE_ch" to its
// supported base code. Unknown or empty input yields the default language.
func NormalizeLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	if _, ok := LanguageNames[code]; ok {
		return code
	}
	return constants.DefaultLanguage
}

// GetLanguageName returns the display name for a language code
func GetLanguageName(langCode string) string {
	if name, ok := LanguageNames[langCode]; ok {
		return name
	}
	return langCode // Return code if name not found
}
