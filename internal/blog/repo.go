package blog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2beens/miniblog/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type repoState int

const (
	stateUninitialized repoState = iota
	stateLoading
	stateReady
)

var _ Api = (*Repo)(nil)

// Repo answers all reads from an in-memory snapshot of the full post set,
// ordered by descending publication date. The backing store is only read once,
// to warm the cache, and every write goes to the store first - a failed store
// write leaves the cache untouched.
type Repo struct {
	store    Store
	files    FileSaver
	settings Settings

	mutex sync.RWMutex
	state repoState
	posts []*Post

	// injectable clock for visibility decisions in tests
	nowFunc func() time.Time
}

func NewRepo(store Store, files FileSaver, settings Settings) *Repo {
	return &Repo{
		store:    store,
		files:    files,
		settings: settings,
		state:    stateUninitialized,
		nowFunc:  time.Now,
	}
}

// ensureReady warms the cache from the backing store on first use
func (r *Repo) ensureReady(ctx context.Context) error {
	r.mutex.RLock()
	ready := r.state == stateReady
	r.mutex.RUnlock()
	if ready {
		return nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.state == stateReady {
		return nil
	}

	r.state = stateLoading
	posts, err := r.store.LoadPosts(ctx)
	if err != nil {
		r.state = stateUninitialized
		return fmt.Errorf("load posts: %w", err)
	}

	sortByPubDateDesc(posts)
	r.posts = posts
	r.state = stateReady

	log.Debugf("blog repo: cache warmed with %d posts", len(posts))

	return nil
}

func (r *Repo) GetPosts(ctx context.Context, privileged bool) (_ []*Post, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "blogRepo.getPosts")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}

	// privilege captured once, before the scan
	now := r.nowFunc()

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var posts []*Post
	for _, p := range r.posts {
		if p.IsVisible(now) || privileged {
			posts = append(posts, p.Clone())
		}
	}
	return posts, nil
}

func (r *Repo) GetPostsPage(ctx context.Context, privileged bool, count, skip int) (_ []*Post, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "blogRepo.getPostsPage")
	span.SetAttributes(attribute.Int("count", count))
	span.SetAttributes(attribute.Int("skip", skip))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	posts, err := r.GetPosts(ctx, privileged)
	if err != nil {
		return nil, err
	}
	return pageWindow(posts, count, skip), nil
}

func (r *Repo) GetPostsByCategory(ctx context.Context, category string, privileged bool) (_ []*Post, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "blogRepo.getPostsByCategory")
	span.SetAttributes(attribute.String("category", category))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}

	now := r.nowFunc()

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var posts []*Post
	for _, p := range r.posts {
		if (p.IsVisible(now) || privileged) && p.HasCategory(category) {
			posts = append(posts, p.Clone())
		}
	}
	return posts, nil
}

func (r *Repo) GetPostsByTag(ctx context.Context, tag string, privileged bool) (_ []*Post, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "blogRepo.getPostsByTag")
	span.SetAttributes(attribute.String("tag", tag))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}

	now := r.nowFunc()

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var posts []*Post
	for _, p := range r.posts {
		if (p.IsVisible(now) || privileged) && p.HasTag(tag) {
			posts = append(posts, p.Clone())
		}
	}
	return posts, nil
}

// GetPostByID returns ErrPostNotFound both for an unknown id and for a post
// the caller is not allowed to see, the two cases are indistinguishable outside
func (r *Repo) GetPostByID(ctx context.Context, id string, privileged bool) (_ *Post, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "blogRepo.getPostByID")
	span.SetAttributes(attribute.String("id", id))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}

	now := r.nowFunc()

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, p := range r.posts {
		if strings.EqualFold(p.ID, id) {
			if p.IsVisible(now) || privileged {
				return p.Clone(), nil
			}
			return nil, ErrPostNotFound
		}
	}
	return nil, ErrPostNotFound
}

func (r *Repo) GetPostBySlug(ctx context.Context, slug string, privileged bool) (_ *Post, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "blogRepo.getPostBySlug")
	span.SetAttributes(attribute.String("slug", slug))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}

	now := r.nowFunc()

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, p := range r.posts {
		if p.Slug != "" && strings.EqualFold(p.Slug, slug) {
			if p.IsVisible(now) || privileged {
				return p.Clone(), nil
			}
			return nil, ErrPostNotFound
		}
	}
	return nil, ErrPostNotFound
}

func (r *Repo) GetCategories(ctx context.Context, privileged bool) ([]string, error) {
	return r.distinctLabels(ctx, privileged, func(p *Post) []string { return p.Categories })
}

func (r *Repo) GetTags(ctx context.Context, privileged bool) ([]string, error) {
	return r.distinctLabels(ctx, privileged, func(p *Post) []string { return p.Tags })
}

func (r *Repo) distinctLabels(ctx context.Context, privileged bool, labelsOf func(*Post) []string) ([]string, error) {
	if err := r.ensureReady(ctx); err != nil {
		return nil, err
	}

	now := r.nowFunc()

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	seen := make(map[string]bool)
	var labels []string
	for _, p := range r.posts {
		if !p.IsVisible(now) && !privileged {
			continue
		}
		for _, label := range labelsOf(p) {
			label = strings.ToLower(label)
			if !seen[label] {
				seen[label] = true
				labels = append(labels, label)
			}
		}
	}
	sort.Strings(labels)
	return labels, nil
}

// SavePost upserts by id, assigning a fresh id to new posts. The store write
// happens first, under the same lock as the cache update, so readers never
// see a post the store does not have.
func (r *Repo) SavePost(ctx context.Context, post *Post) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "blogRepo.savePost")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if post == nil {
		return fmt.Errorf("post is nil")
	}
	if post.Title == "" || post.Content == "" {
		return ErrPostTitleOrContentEmpty
	}

	if err := r.ensureReady(ctx); err != nil {
		return err
	}

	now := r.nowFunc()

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if post.ID == "" {
		post.ID = NewPostID()
	}
	if post.PubDate.IsZero() {
		post.PubDate = now.UTC()
	}
	post.LastModified = now.UTC()

	span.SetAttributes(attribute.String("id", post.ID))

	if err := r.store.SavePost(ctx, post); err != nil {
		return fmt.Errorf("store save post: %w", err)
	}

	cached := post.Clone()
	replaced := false
	for i, p := range r.posts {
		if strings.EqualFold(p.ID, cached.ID) {
			r.posts[i] = cached
			replaced = true
			break
		}
	}
	if !replaced {
		r.posts = append(r.posts, cached)
	}
	sortByPubDateDesc(r.posts)

	return nil
}

func (r *Repo) DeletePost(ctx context.Context, id string) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "blogRepo.deletePost")
	span.SetAttributes(attribute.String("id", id))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	if err := r.ensureReady(ctx); err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	index := -1
	for i, p := range r.posts {
		if strings.EqualFold(p.ID, id) {
			index = i
			break
		}
	}
	if index < 0 {
		return ErrPostNotFound
	}

	if err := r.store.DeletePost(ctx, r.posts[index].ID); err != nil {
		return fmt.Errorf("store delete post: %w", err)
	}

	r.posts = append(r.posts[:index], r.posts[index+1:]...)

	return nil
}

// SaveFile does not touch the post cache, so it runs outside the cache lock
func (r *Repo) SaveFile(ctx context.Context, data []byte, fileName, suffix string) (string, error) {
	return r.files.Save(ctx, data, fileName, suffix)
}

// CachedPostsCount reports the cache size regardless of visibility
func (r *Repo) CachedPostsCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.posts)
}

func sortByPubDateDesc(posts []*Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].PubDate.After(posts[j].PubDate)
	})
}

func pageWindow(posts []*Post, count, skip int) []*Post {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(posts) || count <= 0 {
		return nil
	}
	end := skip + count
	if end > len(posts) {
		end = len(posts)
	}
	return posts[skip:end]
}

// TotalPages computes the number of list pages the way the pagination UI
// expects it: floor division, minus one more when the count divides evenly.
// TODO: confirm whether the even-division case should really drop a page,
// the frontend pager numbering depends on the current arithmetic.
func TotalPages(totalPostCount, postsPerPage int) int {
	if postsPerPage <= 0 {
		postsPerPage = DefaultPostsPerPage
	}
	totalPages := totalPostCount / postsPerPage
	if totalPostCount%postsPerPage == 0 {
		totalPages--
	}
	return totalPages
}
