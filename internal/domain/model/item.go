// Package model contains domain models passed between layers.
package model

// Item is a rankable card. Items are owned by the catalog; the ranking core
// only reads identifiers and family relationships.
type Item struct {
	ID            string `json:"id" koanf:"id"`
	FamilyID      string `json:"family_id" koanf:"family_id"`
	ChildFamilyID string `json:"child_family_id,omitempty" koanf:"child_family_id"` // non-empty when the item heads a sub-family
	Title         string `json:"title,omitempty" koanf:"title"`
	Active        bool   `json:"active" koanf:"active"`
}

// HeadsFamily reports whether the item has a sub-family of its own.
func (i Item) HeadsFamily() bool { return i.ChildFamilyID != "" }
