package models

const (
	DefaultLanguage = "zh-CN"
	StyleAuto       = "auto"
)

// SupportedLanguages is the static target-language catalog.
var SupportedLanguages = []string{
	"zh-CN", "zh-TW", "ja", "ko", "en", "ru", "de", "fr", "es", "it",
	"pt", "ar", "hi", "nl", "pl", "ro", "sv", "tr", "uk", "vi",
}

// TranslateStyles lists the accepted translate_style values. auto lets the
// backend pick a style from the archive contents.
var TranslateStyles = []string{StyleAuto, "formal", "casual", "military", "literal"}

func IsSupportedLanguage(code string) bool {
	for _, l := range SupportedLanguages {
		if l == code {
			return true
		}
	}
	return false
}

func IsTranslateStyle(style string) bool {
	for _, s := range TranslateStyles {
		if s == style {
			return true
		}
	}
	return false
}
