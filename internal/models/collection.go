package models

// Item is one discovered input volume.
type Item struct {
	Index int    `json:"index"`
	Path  string `json:"path"` // absolute
}

// Collection is an ordered set of items. Discovery yields indices exactly
// 1..len(Items); a collection chained from earlier runs may have gaps.
type Collection struct {
	Dir      string `json:"dir"`
	Pattern  string `json:"pattern"`
	MaxIndex int    `json:"max_index,omitempty"`
	Items    []Item `json:"items"`
}

// Len returns the number of discovered items.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Items)
}

// At returns the item with the given 1-based index.
func (c *Collection) At(index int) (Item, bool) {
	if c == nil || index < 1 {
		return Item{}, false
	}
	if index <= len(c.Items) && c.Items[index-1].Index == index {
		return c.Items[index-1], true
	}
	for _, it := range c.Items {
		if it.Index == index {
			return it, true
		}
	}
	return Item{}, false
}

// Paths returns the item paths in index order.
func (c *Collection) Paths() []string {
	if c == nil {
		return nil
	}
	paths := make([]string, len(c.Items))
	for i, it := range c.Items {
		paths[i] = it.Path
	}
	return paths
}
