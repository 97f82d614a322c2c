package files

import (
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rescale/thumblink/internal/constants"
	"github.com/rescale/thumblink/internal/events"
)

// Cache keeps recently used file objects so asynchronous thumbnail results can
// be applied to them by URI. It is bounded: a lookup for an evicted file misses,
// and late results for it are dropped.
type Cache struct {
	files    *lru.Cache[string, *File]
	eventBus *events.EventBus
}

// NewCache creates a cache holding at most size files.
// State changes of cached files are published on eventBus (may be nil).
func NewCache(size int, eventBus *events.EventBus) (*Cache, error) {
	if size <= 0 {
		size = constants.DefaultCacheSize
	}
	if size > constants.MaxCacheSize {
		size = constants.MaxCacheSize
	}

	c := &Cache{eventBus: eventBus}
	l, err := lru.NewWithEvict[string, *File](size, func(_ string, f *File) {
		f.setObserver(nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create file cache: %w", err)
	}
	c.files = l
	return c, nil
}

// Get returns the cached file for a local path, creating it on first use.
func (c *Cache) Get(path string) (*File, error) {
	uri, err := FileURI(path)
	if err != nil {
		return nil, err
	}
	if f, ok := c.files.Get(uri); ok {
		return f, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	var contentType string
	if info.IsDir() {
		contentType = "inode/directory"
	} else if contentType, err = DetectContentType(path); err != nil {
		return nil, err
	}

	f := NewFile(uri, contentType)
	c.Add(f)
	return f, nil
}

// Add inserts f, replacing any file with the same URI.
func (c *Cache) Add(f *File) {
	f.setObserver(c.publishState)
	c.files.Add(f.URI(), f)
}

// Lookup returns the cached file for uri without creating it.
func (c *Cache) Lookup(uri string) (*File, bool) {
	return c.files.Get(uri)
}

// Evict drops the file for uri. Returns false if it was not cached.
func (c *Cache) Evict(uri string) bool {
	return c.files.Remove(uri)
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	return c.files.Len()
}

func (c *Cache) publishState(f *File, oldState, newState ThumbState) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.PublishThumbState(f.URI(), oldState.String(), newState.String())
}
