// Package catalog owns items and the family relationships between them.
//
// The ranking core only needs ids: which items make up a family's deck and
// which family an item heads. Content, media and rendering live elsewhere.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/okian/cardrank/internal/domain/model"
)

// Catalog is the item collaborator used by the service.
type Catalog interface {
	// Register adds an item or updates one already in the same family.
	Register(ctx context.Context, item model.Item) (model.Item, error)
	// Item returns the item with id.
	Item(id string) (model.Item, bool)
	// Deck returns the active items of a family in registration order.
	Deck(familyID string) ([]string, error)
	// ChildFamily returns the family headed by itemID, if any.
	ChildFamily(itemID string) (string, bool)
	// Items returns every registered item ordered by id.
	Items() []model.Item
	// Families returns every known family id, sorted.
	Families() []string
}

type family struct {
	members []string
}

// inMemoryCatalog implements Catalog behind a single RWMutex.
type inMemoryCatalog struct {
	mu       sync.RWMutex
	items    map[string]model.Item
	families map[string]*family
}

// NewInMemory creates an empty catalog and registers items.
func NewInMemory(items ...model.Item) (Catalog, error) {
	c := &inMemoryCatalog{
		items:    make(map[string]model.Item),
		families: make(map[string]*family),
	}
	for _, it := range items {
		if _, err := c.Register(context.Background(), it); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *inMemoryCatalog) Register(_ context.Context, it model.Item) (model.Item, error) {
	if it.ID == "" || it.FamilyID == "" {
		return model.Item{}, fmt.Errorf("%w: item id and family id are required", model.ErrValidation)
	}
	if it.ChildFamilyID == it.FamilyID {
		return model.Item{}, fmt.Errorf("%w: item %q cannot head its own family", model.ErrValidation, it.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.items[it.ID]; ok {
		if prev.FamilyID != it.FamilyID {
			return model.Item{}, fmt.Errorf("%w: item %q belongs to family %q", model.ErrAlreadyExists, it.ID, prev.FamilyID)
		}
		c.items[it.ID] = it
		c.touch(it.ChildFamilyID)
		return it, nil
	}

	c.items[it.ID] = it
	f := c.touch(it.FamilyID)
	f.members = append(f.members, it.ID)
	c.touch(it.ChildFamilyID)
	return it, nil
}

// touch makes a family known, even before it has members, so a sub-family
// referenced by a head item resolves to an empty deck instead of an error.
// Must be called with c.mu held.
func (c *inMemoryCatalog) touch(id string) *family {
	if id == "" {
		return nil
	}
	f, ok := c.families[id]
	if !ok {
		f = &family{}
		c.families[id] = f
	}
	return f
}

func (c *inMemoryCatalog) Item(id string) (model.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	return it, ok
}

func (c *inMemoryCatalog) Deck(familyID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.families[familyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownFamily, familyID)
	}
	deck := make([]string, 0, len(f.members))
	for _, id := range f.members {
		if c.items[id].Active {
			deck = append(deck, id)
		}
	}
	return deck, nil
}

func (c *inMemoryCatalog) ChildFamily(itemID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[itemID]
	if !ok || !it.HeadsFamily() {
		return "", false
	}
	return it.ChildFamilyID, true
}

func (c *inMemoryCatalog) Items() []model.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *inMemoryCatalog) Families() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.families))
	for id := range c.families {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
