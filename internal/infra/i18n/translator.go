package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales
var LocalesFS embed.FS

// Translator holds one language's messages.
type Translator struct {
	lang         string
	translations map[string]string
}

// NewTranslator loads locales/<langCode>.yaml from fsys.
func NewTranslator(fsys fs.FS, langCode string) (*Translator, error) {
	filePath := path.Join("locales", fmt.Sprintf("%s.yaml", langCode))
	data, err := fs.ReadFile(fsys, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read translation file %s: %w", filePath, err)
	}
	t, err := newTranslatorFromBytes(data)
	if err != nil {
		return nil, err
	}
	t.lang = langCode
	return t, nil
}

func newTranslatorFromBytes(data []byte) (*Translator, error) {
	var translations map[string]string
	if err := yaml.Unmarshal(data, &translations); err != nil {
		return nil, fmt.Errorf("failed to parse translation file: %w", err)
	}
	return &Translator{translations: translations}, nil
}

func (t *Translator) Lang() string { return t.lang }

// T translates key, formatting args into the message. Unknown keys come back
// as the key itself.
func (t *Translator) T(key string, args ...interface{}) string {
	format, ok := t.translations[key]
	if !ok {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(format, args...)
	}
	return format
}

func (t *Translator) has(key string) bool {
	_, ok := t.translations[key]
	return ok
}

// Catalog picks a translator per request and falls back to the default
// language for unknown languages and missing keys.
type Catalog struct {
	def   *Translator
	langs map[string]*Translator
}

// NewCatalog loads every language in langs from fsys. The first one is the
// default.
func NewCatalog(fsys fs.FS, langs ...string) (*Catalog, error) {
	if len(langs) == 0 {
		return nil, fmt.Errorf("at least one language is required")
	}
	c := &Catalog{langs: make(map[string]*Translator, len(langs))}
	for _, l := range langs {
		t, err := NewTranslator(fsys, l)
		if err != nil {
			return nil, err
		}
		c.langs[l] = t
		if c.def == nil {
			c.def = t
		}
	}
	return c, nil
}

// Default loads the embedded en and zh catalogues with def first.
func Default(def string) (*Catalog, error) {
	langs := []string{"en", "zh"}
	if def == "zh" {
		langs = []string{"zh", "en"}
	}
	return NewCatalog(LocalesFS, langs...)
}

// For resolves an Accept-Language style tag ("zh-CN,zh;q=0.9") to a
// translator.
func (c *Catalog) For(tag string) *Translator {
	for _, part := range strings.Split(tag, ",") {
		lang := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		lang = strings.ToLower(strings.SplitN(lang, "-", 2)[0])
		if t, ok := c.langs[lang]; ok {
			return t
		}
	}
	return c.def
}

func (c *Catalog) T(tag, key string, args ...interface{}) string {
	t := c.For(tag)
	if !t.has(key) {
		t = c.def
	}
	return t.T(key, args...)
}
