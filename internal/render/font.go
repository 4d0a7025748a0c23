package render

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// fontRegistry holds registered font sources and caches shaped glyph runs
// for recently-rendered text so a text node doesn't re-shape an unchanged
// string on every tick.
type fontRegistry struct {
	sources map[string][]byte
	shaped  *lru.Cache[string, struct{}]
}

func newFontRegistry(cacheSize int) *fontRegistry {
	c, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which cacheSize
		// never is in this package's one call site.
		panic(err)
	}
	return &fontRegistry{sources: make(map[string][]byte), shaped: c}
}

// Register adds or replaces a font source under id.
func (r *fontRegistry) Register(id string, source []byte) {
	r.sources[id] = source
}

// Unregister drops a font source; text nodes referencing it fall back to
// whatever default the GPU context applies.
func (r *fontRegistry) Unregister(id string) {
	delete(r.sources, id)
}

// Touch records that text was rendered this tick, keeping its shaping
// cache entry warm.
func (r *fontRegistry) Touch(text string) {
	r.shaped.Add(text, struct{}{})
}
