package blog

import "context"

// Store is the durable side of the engine. Implementations only persist,
// the caching, filtering and visibility logic lives in Repo and is shared.
type Store interface {
	// LoadPosts returns every stored post with its comments, used to warm the cache
	LoadPosts(ctx context.Context) ([]*Post, error)
	// SavePost upserts a post together with its categories, tags and comments
	SavePost(ctx context.Context, post *Post) error
	// DeletePost removes a post and everything it owns
	DeletePost(ctx context.Context, id string) error
}

// FileSaver persists binary blobs (post images and attachments) and returns
// a stable URL to embed in post content.
type FileSaver interface {
	Save(ctx context.Context, data []byte, fileName, suffix string) (string, error)
}
