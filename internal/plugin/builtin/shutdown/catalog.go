package shutdown

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	yaml "go.yaml.in/yaml/v3"
)

const defaultLocale = "en"

//go:embed locales/*.yaml
var localeFS embed.FS

// catalog holds the message templates of one locale, keyed by dotted path
// (e.g. "wall-messages.reboot"). Missing keys fall back to English.
type catalog struct {
	locale string
	tmpl   map[string]*template.Template
}

type msgData struct {
	ID     uint64
	Type   string
	Time   string
	Text   string
	Action string
	Target string
	Actor  string
}

// Locales lists the embedded locale names.
func Locales() []string {
	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(out)
	return out
}

func loadCatalog(locale string) (*catalog, error) {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if locale == "" {
		locale = defaultLocale
	}
	base, err := readLocale(defaultLocale)
	if err != nil {
		return nil, err
	}
	if locale != defaultLocale {
		over, err := readLocale(locale)
		if err != nil {
			return nil, err
		}
		for k, v := range over {
			base[k] = v
		}
	}

	c := &catalog{locale: locale, tmpl: make(map[string]*template.Template, len(base))}
	for k, v := range base {
		t, err := template.New(k).Option("missingkey=zero").Parse(v)
		if err != nil {
			return nil, fmt.Errorf("locale %s: key %s: %w", locale, k, err)
		}
		c.tmpl[k] = t
	}
	return c, nil
}

func readLocale(name string) (map[string]string, error) {
	b, err := localeFS.ReadFile("locales/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown locale %q (available: %s)", name, strings.Join(Locales(), ", "))
	}
	var tree map[string]any
	if err := yaml.Unmarshal(b, &tree); err != nil {
		return nil, fmt.Errorf("locale %s: %w", name, err)
	}
	out := map[string]string{}
	flatten("", tree, out)
	return out, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			flatten(key, vv, out)
		case string:
			out[key] = vv
		default:
			out[key] = fmt.Sprint(vv)
		}
	}
}

// text renders key. Unknown keys render as the key itself.
func (c *catalog) text(key string, data msgData) string {
	t, ok := c.tmpl[key]
	if !ok {
		return key
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return key
	}
	return buf.String()
}
