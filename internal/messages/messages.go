// Package messages holds the user-facing text shown for capture and
// recognition outcomes. Spanish is the default locale.
package messages

import (
	"embed"
	"fmt"
	"path"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var locales embed.FS

// DefaultLocale is used when a caller passes no locale or one the catalog
// does not carry.
var DefaultLocale = language.Spanish

// Catalog resolves message IDs to localized text.
type Catalog struct {
	bundle  *i18n.Bundle
	tags    []language.Tag
	matcher language.Matcher

	mu         sync.Mutex
	localizers map[language.Tag]*i18n.Localizer
}

// New loads the embedded locale files.
func New() (*Catalog, error) {
	bundle := i18n.NewBundle(DefaultLocale)
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	entries, err := locales.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}
	for _, entry := range entries {
		name := path.Join("locales", entry.Name())
		data, err := locales.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, name); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	// The default locale goes first so unmatched requests resolve to it.
	tags := []language.Tag{DefaultLocale}
	for _, tag := range bundle.LanguageTags() {
		if tag != DefaultLocale {
			tags = append(tags, tag)
		}
	}
	return &Catalog{
		bundle:     bundle,
		tags:       tags,
		matcher:    language.NewMatcher(tags),
		localizers: make(map[language.Tag]*i18n.Localizer),
	}, nil
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := New()
	if err != nil {
		panic(fmt.Sprintf("messages: embedded catalog is invalid: %v", err))
	}
	return c
})

// Default returns the process-wide catalog built from the embedded files.
func Default() *Catalog { return defaultCatalog() }

// Localize renders id for locale. Unknown locales fall back to Spanish and
// unknown IDs render as the ID itself.
func (c *Catalog) Localize(locale, id string, data map[string]any) string {
	text, err := c.localizer(locale).Localize(&i18n.LocalizeConfig{
		MessageID:    id,
		TemplateData: data,
	})
	if err != nil && text == "" {
		return id
	}
	return text
}

// Languages lists the locales the catalog carries.
func (c *Catalog) Languages() []language.Tag {
	return c.bundle.LanguageTags()
}

// Resolve maps a caller locale onto one of the catalog languages.
func (c *Catalog) Resolve(locale string) language.Tag {
	_, idx, conf := c.matcher.Match(language.Make(locale))
	if conf == language.No {
		return DefaultLocale
	}
	return c.tags[idx]
}

// localizer caches on the resolved tag, so at most one localizer exists per
// catalog language whatever locales callers send.
func (c *Catalog) localizer(locale string) *i18n.Localizer {
	tag := c.Resolve(locale)
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.localizers[tag]; ok {
		return l
	}
	l := i18n.NewLocalizer(c.bundle, tag.String())
	c.localizers[tag] = l
	return l
}

// Localize renders id with the default catalog.
func Localize(locale, id string, data map[string]any) string {
	return Default().Localize(locale, id, data)
}
