// Package language resolves the language codes reported by speech engines and
// names them in the language the results page is shown in.
package language

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	xlang "golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/Albpenu/whisperweb/internal/translation"
)

var byName map[string]string

func init() {
	byName = make(map[string]string, len(names)+len(aliases))
	for code, name := range names {
		byName[name] = code
	}
	for name, code := range aliases {
		byName[name] = code
	}
}

// Info is a whisper language.
type Info struct {
	Code string
	Name string // lower-case English name
}

// Title returns the English name in title case ("haitian creole" -> "Haitian Creole").
func (i Info) Title() string {
	return cases.Title(xlang.English).String(i.Name)
}

// Tag returns the BCP 47 tag for the language.
func (i Info) Tag() (xlang.Tag, error) {
	code := i.Code
	if c, ok := bcp47[code]; ok {
		code = c
	}
	return xlang.Parse(code)
}

// Lookup accepts a whisper code ("en"), a region tag ("en-US") or an English
// name in any case ("English") and returns the matching language.
func Lookup(codeOrName string) (Info, bool) {
	s := strings.ToLower(strings.TrimSpace(codeOrName))
	if s == "" {
		return Info{}, false
	}
	if name, ok := names[s]; ok {
		return Info{Code: s, Name: name}, true
	}
	if code, ok := byName[s]; ok {
		return Info{Code: code, Name: names[code]}, true
	}
	if i := strings.IndexAny(s, "-_"); i > 0 {
		if name, ok := names[s[:i]]; ok {
			return Info{Code: s[:i], Name: name}, true
		}
	}
	return Info{}, false
}

// Namer names a detected language for display.
type Namer interface {
	Name(ctx context.Context, code string) (string, error)
}

// DisplayNamer names languages from the CLDR data bundled with x/text, without
// any network call.
type DisplayNamer struct {
	Target string
}

func (d DisplayNamer) Name(_ context.Context, code string) (string, error) {
	info, ok := Lookup(code)
	if !ok {
		return code, nil
	}
	target, err := xlang.Parse(d.Target)
	if err != nil {
		return info.Title(), nil
	}
	tag, err := info.Tag()
	if err != nil {
		return info.Title(), nil
	}
	name := display.Languages(target).Name(tag)
	if name == "" {
		return info.Title(), nil
	}
	return upperFirst(name), nil
}

// TranslatedNamer translates the English language name through a translation
// service, as a human would read it in the target language.
type TranslatedNamer struct {
	Translator translation.Translator
	Target     string
	// Fallback names the language when the service fails; nil means the
	// English title.
	Fallback Namer
}

func (t TranslatedNamer) Name(ctx context.Context, code string) (string, error) {
	info, ok := Lookup(code)
	if !ok {
		return code, nil
	}
	title := info.Title()
	if t.Target == "" || strings.EqualFold(t.Target, "en") || t.Translator == nil {
		return title, nil
	}
	out, err := t.Translator.Translate(ctx, title, "en", t.Target)
	if err == nil && out != "" {
		return out, nil
	}
	log.Warn().Err(err).Str("language", info.Code).Str("target", t.Target).Msg("language: name translation failed, using fallback")
	if t.Fallback != nil {
		return t.Fallback.Name(ctx, code)
	}
	return title, nil
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
