package blog

import (
	"context"
	"errors"
)

var (
	ErrPostNotFound            = errors.New("post not found")
	ErrPostTitleOrContentEmpty = errors.New("post title or content empty")
)

const (
	DefaultPostsPerPage           = 4
	DefaultCommentsCloseAfterDays = 10
)

// ListView is a display hint for post list endpoints, passed through to clients untouched
type ListView string

const (
	ListViewTitlesOnly        ListView = "titles_only"
	ListViewTitlesAndExcerpts ListView = "titles_and_excerpts"
	ListViewFullPosts         ListView = "full_posts"
)

type Settings struct {
	PostsPerPage           int
	CommentsCloseAfterDays int
	ListView               ListView
}

func (s Settings) PostsPerPageOrDefault() int {
	if s.PostsPerPage <= 0 {
		return DefaultPostsPerPage
	}
	return s.PostsPerPage
}

func (s Settings) CommentsCloseAfterDaysOrDefault() int {
	if s.CommentsCloseAfterDays <= 0 {
		return DefaultCommentsCloseAfterDays
	}
	return s.CommentsCloseAfterDays
}

// Api is the full blog engine contract. The privileged flag comes from the
// caller and widens reads to unpublished and future-dated posts.
type Api interface {
	GetPosts(ctx context.Context, privileged bool) ([]*Post, error)
	GetPostsPage(ctx context.Context, privileged bool, count, skip int) ([]*Post, error)
	GetPostsByCategory(ctx context.Context, category string, privileged bool) ([]*Post, error)
	GetPostsByTag(ctx context.Context, tag string, privileged bool) ([]*Post, error)
	GetPostByID(ctx context.Context, id string, privileged bool) (*Post, error)
	GetPostBySlug(ctx context.Context, slug string, privileged bool) (*Post, error)
	GetCategories(ctx context.Context, privileged bool) ([]string, error)
	GetTags(ctx context.Context, privileged bool) ([]string, error)
	SavePost(ctx context.Context, post *Post) error
	DeletePost(ctx context.Context, id string) error
	SaveFile(ctx context.Context, data []byte, fileName, suffix string) (string, error)
}
