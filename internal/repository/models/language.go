package models

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

type Language string

const (
	LanguageC      Language = "c"
	LanguageCPP    Language = "cpp"
	LanguageJava   Language = "java"
	LanguagePython Language = "python"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

var supportedLanguages = mapset.NewSet(LanguageC, LanguageCPP, LanguageJava, LanguagePython)

// Languages returns the supported languages in a stable order.
func Languages() []Language {
	return []Language{LanguageC, LanguageCPP, LanguageJava, LanguagePython}
}

func ParseLanguage(s string) (Language, error) {
	lang := Language(s)
	if !supportedLanguages.Contains(lang) {
		return "", errors.Wrapf(ErrUnsupportedLanguage, "%q", s)
	}
	return lang, nil
}

func (l Language) Valid() bool {
	return supportedLanguages.Contains(l)
}

func (l Language) String() string {
	return string(l)
}
