package catalog

import (
	"context"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/cardrank/internal/domain/model"
)

// document is the on-disk catalog layout:
//
//	items:
//	  - id: espresso
//	    family_id: coffee
//	    child_family_id: espresso-drinks
//	    title: Espresso
type document struct {
	Items []model.Item `koanf:"items"`
}

// LoadFile reads a YAML catalog. Items default to active unless the file says
// otherwise.
func LoadFile(ctx context.Context, path string) (Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}

	raw, ok := k.Get("items").([]any)
	if !ok && k.Exists("items") {
		return nil, fmt.Errorf("%w: catalog %s: items must be a list", model.ErrValidation, path)
	}

	var doc document
	if err := k.UnmarshalWithConf("", &doc, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}

	c, err := NewInMemory()
	if err != nil {
		return nil, err
	}
	for i, it := range doc.Items {
		if !hasKey(raw, i, "active") {
			it.Active = true
		}
		if _, err := c.Register(ctx, it); err != nil {
			return nil, fmt.Errorf("catalog %s item %d: %w", path, i, err)
		}
	}
	return c, nil
}

func hasKey(raw []any, i int, key string) bool {
	if i >= len(raw) {
		return false
	}
	m, ok := raw[i].(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[key]
	return ok
}
