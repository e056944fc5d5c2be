package msgcat

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/cockroachdb/errors"
	yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var defaultFiles embed.FS

const defaultFile = "messages.en.yaml"

// Catalog holds user-facing message templates keyed by dotted path, e.g.
// "errors.already_committed". Templates use text/template with
// missingkey=error.
type Catalog struct {
	mu   sync.RWMutex
	data map[string]*template.Template
}

// New loads the embedded messages, then overrides from dir when set.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{data: make(map[string]*template.Template)}
	raw, err := fs.ReadFile(defaultFiles, defaultFile)
	if err != nil {
		return nil, errors.Wrap(err, "read embedded messages")
	}
	flat, err := parseFlat(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse embedded messages")
	}
	if err := c.merge(flat); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := c.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustDefault returns the embedded catalog and panics if it is malformed.
func MustDefault() *Catalog {
	c, err := New("")
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "read messages dir")
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	seen := make(map[string]string)
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		flat, err := parseFlat(b)
		if err != nil {
			return errors.Wrapf(err, "parse %s", name)
		}
		for k := range flat {
			if prev, ok := seen[k]; ok {
				return errors.Newf("duplicate override key %q in %s and %s", k, prev, name)
			}
			seen[k] = name
		}
		if err := c.merge(flat); err != nil {
			return errors.Wrapf(err, "apply %s", name)
		}
	}
	return nil
}

func (c *Catalog) merge(flat map[string]string) error {
	parsed := make(map[string]*template.Template, len(flat))
	for k, v := range flat {
		t, err := template.New(k).Option("missingkey=error").Parse(v)
		if err != nil {
			return errors.Wrapf(err, "template %s", k)
		}
		parsed[k] = t
	}
	c.mu.Lock()
	for k, t := range parsed {
		c.data[k] = t
	}
	c.mu.Unlock()
	return nil
}

func parseFlat(b []byte) (map[string]string, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	flat := make(map[string]string)
	if err := flatten(m, "", flat); err != nil {
		return nil, err
	}
	return flat, nil
}

func flatten(src any, prefix string, out map[string]string) error {
	switch v := src.(type) {
	case map[string]any:
		for k, vv := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := flatten(vv, key, out); err != nil {
				return err
			}
		}
		return nil
	case string:
		if prefix == "" {
			return errors.New("string value without key")
		}
		out[prefix] = v
		return nil
	case nil:
		return nil
	default:
		return errors.Newf("unsupported value at %s: %T", prefix, v)
	}
}

// Has reports whether key is defined.
func (c *Catalog) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[strings.TrimSpace(key)]
	return ok
}

// Render executes the template for key. Unknown keys and missing data fields
// are errors.
func (c *Catalog) Render(key string, data any) (string, error) {
	c.mu.RLock()
	t, ok := c.data[strings.TrimSpace(key)]
	c.mu.RUnlock()
	if !ok {
		return "", errors.Newf("message not found: %s", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", errors.Wrapf(err, "render %s", key)
	}
	return b.String(), nil
}

// ErrorMessage renders "errors.<code>", falling back to "errors.internal".
func (c *Catalog) ErrorMessage(code string, data any) string {
	if s, err := c.Render("errors."+code, data); err == nil {
		return s
	}
	if s, err := c.Render("errors.internal", nil); err == nil {
		return s
	}
	return code
}
