package blog

import (
	"strconv"

	"github.com/coocood/freecache"
)

const (
	defaultRenderCacheSize = 10 * 1024 * 1024 // bytes
	renderCacheTTLSeconds  = 60 * 60
)

// RenderCache keeps rendered post bodies around so repeated reads of the same
// post skip the regex pipeline. Keys carry the last-modified stamp, so a saved
// post simply stops hitting its stale entry and the old one ages out via TTL.
type RenderCache struct {
	cache *freecache.Cache
}

func NewRenderCache(sizeBytes int) *RenderCache {
	if sizeBytes <= 0 {
		sizeBytes = defaultRenderCacheSize
	}
	return &RenderCache{
		cache: freecache.NewCache(sizeBytes),
	}
}

func (rc *RenderCache) RenderedContent(post *Post) string {
	key := []byte(post.ID + "|" + strconv.FormatInt(post.LastModified.UnixNano(), 10))
	if cached, err := rc.cache.Get(key); err == nil {
		return string(cached)
	}

	rendered := RenderContent(post.Content)
	// best effort, an entry too big for the cache is simply not cached
	_ = rc.cache.Set(key, []byte(rendered), renderCacheTTLSeconds)

	return rendered
}

func (rc *RenderCache) EntryCount() int64 {
	return rc.cache.EntryCount()
}
