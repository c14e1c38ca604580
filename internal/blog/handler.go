package blog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2beens/miniblog/internal/auth"
	"github.com/2beens/miniblog/internal/middleware"
	"github.com/2beens/miniblog/internal/telemetry/metrics"
	"github.com/2beens/miniblog/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type PostsPageResponse struct {
	Posts      []*PostListItem `json:"posts"`
	Total      int             `json:"total"`
	TotalPages int             `json:"totalPages"`
	ListView   ListView        `json:"listView"`
	// prev always points one page further back in time, next only exists past page 1
	Prev string `json:"prev,omitempty"`
	Next string `json:"next,omitempty"`
}

// PostListItem is a list-view projection of a post, how much of the body it
// carries depends on the configured list view
type PostListItem struct {
	ID              string    `json:"id"`
	Slug            string    `json:"slug"`
	Title           string    `json:"title"`
	Link            string    `json:"link"`
	PubDate         time.Time `json:"pubDate"`
	IsPublished     bool      `json:"isPublished"`
	Excerpt         string    `json:"excerpt,omitempty"`
	RenderedContent string    `json:"renderedContent,omitempty"`
	CommentsCount   int       `json:"commentsCount"`
}

type PostResponse struct {
	*Post
	RenderedContent string             `json:"renderedContent"`
	Link            string             `json:"link"`
	CommentsOpen    bool               `json:"commentsOpen"`
	Comments        []*CommentResponse `json:"comments"`
}

type CommentResponse struct {
	*Comment
	Gravatar string `json:"gravatar"`
}

type savePostRequest struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Excerpt     string `json:"excerpt"`
	IsPublished bool   `json:"isPublished"`
	PubDate     string `json:"pubDate"`
	Categories  string `json:"categories"`
	Tags        string `json:"tags"`
}

type newCommentRequest struct {
	PostID  string `json:"postId"`
	Author  string `json:"author"`
	Email   string `json:"email"`
	Content string `json:"content"`
	// honeypot, humans never fill this
	Website string `json:"website"`
}

type Handler struct {
	api            Api
	renderCache    *RenderCache
	settings       Settings
	loginChecker   auth.Checker
	metricsManager *metrics.Manager
	now            func() time.Time
}

func NewHandler(
	api Api,
	renderCache *RenderCache,
	settings Settings,
	loginChecker auth.Checker,
	metricsManager *metrics.Manager,
) *Handler {
	return &Handler{
		api:            api,
		renderCache:    renderCache,
		settings:       settings,
		loginChecker:   loginChecker,
		metricsManager: metricsManager,
		now:            time.Now,
	}
}

func (handler *Handler) SetupRoutes(
	router *mux.Router,
	rateLimiter middleware.RequestRateLimiter,
	commentsRateLimitAllowedPerMin int,
) {
	router.HandleFunc("/blog/posts/page/{page}", handler.handleGetPage).Methods("GET").Name("posts-page")
	router.HandleFunc("/blog/post/{slug}", handler.handleGetPost).Methods("GET").Name("get-post")
	router.HandleFunc("/blog/category/{category}/page/{page}", handler.handleGetCategoryPage).Methods("GET").Name("category-page")
	router.HandleFunc("/blog/tag/{tag}/page/{page}", handler.handleGetTagPage).Methods("GET").Name("tag-page")
	router.HandleFunc("/blog/categories", handler.handleGetCategories).Methods("GET").Name("categories")
	router.HandleFunc("/blog/tags", handler.handleGetTags).Methods("GET").Name("tags")
	router.HandleFunc("/blog/posts/save", handler.handleSavePost).Methods("POST", "OPTIONS").Name("save-post")
	router.HandleFunc("/blog/posts/delete/{id}", handler.handleDeletePost).Methods("DELETE", "OPTIONS").Name("delete-post")
	router.HandleFunc("/blog/comments/delete/{postId}/{commentId}", handler.handleDeleteComment).Methods("DELETE", "OPTIONS").Name("delete-comment")

	// anyone can comment, so new comments get a rate limit to keep spammers busy
	newCommentSubrouter := router.PathPrefix("/blog/comments/new").Subrouter()
	newCommentSubrouter.HandleFunc("", handler.handleNewComment).Methods("POST", "OPTIONS").Name("new-comment")
	newCommentSubrouter.Use(middleware.RateLimit(rateLimiter, "comments", commentsRateLimitAllowedPerMin, handler.metricsManager))
}

// isPrivileged - a valid admin session widens reads to unpublished posts
func (handler *Handler) isPrivileged(r *http.Request) bool {
	authToken := r.Header.Get(middleware.AuthTokenHeader)
	if authToken == "" {
		return false
	}
	isLogged, err := handler.loginChecker.IsLogged(r.Context(), authToken)
	if err != nil {
		log.Tracef("blog handler: check login token: %s", err)
		return false
	}
	return isLogged
}

func (handler *Handler) handleGetPage(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParam(w, r)
	if !ok {
		return
	}

	posts, err := handler.api.GetPosts(r.Context(), handler.isPrivileged(r))
	if err != nil {
		log.Errorf("get posts page %d: %s", page, err)
		http.Error(w, "failed to get posts", http.StatusInternalServerError)
		return
	}

	handler.writePostsPage(w, posts, page, "/blog/posts")
}

func (handler *Handler) handleGetCategoryPage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	category := vars["category"]
	page, ok := pageParam(w, r)
	if !ok {
		return
	}

	posts, err := handler.api.GetPostsByCategory(r.Context(), category, handler.isPrivileged(r))
	if err != nil {
		log.Errorf("get posts for category [%s]: %s", category, err)
		http.Error(w, "failed to get posts", http.StatusInternalServerError)
		return
	}

	handler.writePostsPage(w, posts, page, "/blog/category/"+url.PathEscape(category))
}

func (handler *Handler) handleGetTagPage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tag := vars["tag"]
	page, ok := pageParam(w, r)
	if !ok {
		return
	}

	posts, err := handler.api.GetPostsByTag(r.Context(), tag, handler.isPrivileged(r))
	if err != nil {
		log.Errorf("get posts for tag [%s]: %s", tag, err)
		http.Error(w, "failed to get posts", http.StatusInternalServerError)
		return
	}

	handler.writePostsPage(w, posts, page, "/blog/tag/"+url.PathEscape(tag))
}

func (handler *Handler) writePostsPage(w http.ResponseWriter, posts []*Post, page int, basePath string) {
	postsPerPage := handler.settings.PostsPerPageOrDefault()
	pagePosts := pageWindow(posts, postsPerPage, postsPerPage*page)

	listItems := make([]*PostListItem, 0, len(pagePosts))
	for _, p := range pagePosts {
		listItems = append(listItems, handler.toListItem(p))
	}

	var next string
	if page > 1 {
		next = fmt.Sprintf("%s/page/%d", basePath, page-1)
	}

	resp := PostsPageResponse{
		Posts:      listItems,
		Total:      len(posts),
		TotalPages: TotalPages(len(posts), postsPerPage),
		ListView:   handler.settings.ListView,
		Prev:       fmt.Sprintf("%s/page/%d", basePath, page+1),
		Next:       next,
	}

	respBytes, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("marshal posts page response: %s", err)
		http.Error(w, "failed to get posts", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) toListItem(p *Post) *PostListItem {
	item := &PostListItem{
		ID:            p.ID,
		Slug:          p.Slug,
		Title:         p.Title,
		Link:          p.Link(),
		PubDate:       p.PubDate,
		IsPublished:   p.IsPublished,
		CommentsCount: len(p.Comments),
	}
	switch handler.settings.ListView {
	case ListViewTitlesAndExcerpts:
		item.Excerpt = p.Excerpt
	case ListViewFullPosts:
		item.Excerpt = p.Excerpt
		item.RenderedContent = handler.renderCache.RenderedContent(p)
	}
	return item
}

func (handler *Handler) handleGetPost(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	slug := vars["slug"]

	post, err := handler.api.GetPostBySlug(r.Context(), slug, handler.isPrivileged(r))
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			http.Error(w, "post not found", http.StatusNotFound)
			return
		}
		log.Errorf("get post [%s]: %s", slug, err)
		http.Error(w, "failed to get post", http.StatusInternalServerError)
		return
	}

	comments := make([]*CommentResponse, 0, len(post.Comments))
	for _, c := range post.Comments {
		comments = append(comments, &CommentResponse{
			Comment:  c,
			Gravatar: c.Gravatar(),
		})
	}

	resp := PostResponse{
		Post:            post,
		RenderedContent: handler.renderCache.RenderedContent(post),
		Link:            post.Link(),
		CommentsOpen:    post.AreCommentsOpen(handler.settings.CommentsCloseAfterDaysOrDefault(), handler.now()),
		Comments:        comments,
	}

	respBytes, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("marshal post response: %s", err)
		http.Error(w, "failed to get post", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) handleGetCategories(w http.ResponseWriter, r *http.Request) {
	handler.writeLabels(w, r, handler.api.GetCategories)
}

func (handler *Handler) handleGetTags(w http.ResponseWriter, r *http.Request) {
	handler.writeLabels(w, r, handler.api.GetTags)
}

func (handler *Handler) writeLabels(
	w http.ResponseWriter,
	r *http.Request,
	getLabels func(ctx context.Context, privileged bool) ([]string, error),
) {
	labels, err := getLabels(r.Context(), handler.isPrivileged(r))
	if err != nil {
		log.Errorf("get labels: %s", err)
		http.Error(w, "failed to get labels", http.StatusInternalServerError)
		return
	}
	if labels == nil {
		labels = []string{}
	}

	respBytes, err := json.Marshal(labels)
	if err != nil {
		http.Error(w, "failed to get labels", http.StatusInternalServerError)
		return
	}

	pkg.WriteResponseBytesOK(w, pkg.ContentType.JSON, respBytes)
}

func (handler *Handler) handleSavePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req savePostRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Errorf("save post, unmarshal json params: %s", err)
			http.Error(w, "save post failed", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("save post failed, parse form error: %s", err)
			http.Error(w, "parse form error", http.StatusInternalServerError)
			return
		}
		req = savePostRequest{
			ID:          r.Form.Get("id"),
			Slug:        r.Form.Get("slug"),
			Title:       r.Form.Get("title"),
			Content:     r.Form.Get("content"),
			Excerpt:     r.Form.Get("excerpt"),
			IsPublished: r.Form.Get("isPublished") == "true",
			PubDate:     r.Form.Get("pubDate"),
			Categories:  r.Form.Get("categories"),
			Tags:        r.Form.Get("tags"),
		}
	}

	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "error, title empty", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "error, content empty", http.StatusBadRequest)
		return
	}

	now := handler.now().UTC()

	var post *Post
	if req.ID != "" {
		existing, err := handler.api.GetPostByID(ctx, req.ID, true)
		switch {
		case err == nil:
			post = existing
		case errors.Is(err, ErrPostNotFound):
			post = &Post{ID: req.ID, PubDate: now}
		default:
			log.Errorf("save post, get existing %s: %s", req.ID, err)
			http.Error(w, "save post failed", http.StatusInternalServerError)
			return
		}
	} else {
		post = &Post{PubDate: now}
	}

	post.Title = strings.TrimSpace(req.Title)
	post.Content = strings.TrimSpace(req.Content)
	post.Excerpt = strings.TrimSpace(req.Excerpt)
	post.IsPublished = req.IsPublished
	post.Categories = splitLabels(req.Categories)
	post.Tags = splitLabels(req.Tags)

	if req.PubDate != "" {
		pubDate, err := time.Parse(time.RFC3339, req.PubDate)
		if err != nil {
			http.Error(w, "error, invalid pubDate", http.StatusBadRequest)
			return
		}
		post.PubDate = pubDate.UTC()
	}

	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		slug = CreateSlug(post.Title)
	}
	// a visible slug must point to exactly one post
	if other, err := handler.api.GetPostBySlug(ctx, slug, true); err == nil && !strings.EqualFold(other.ID, post.ID) {
		slug = CreateSlug(post.Title + now.Format("200601021504"))
	}
	post.Slug = slug

	// embedded images leave the post body before it hits the store
	content, filesSaved, err := externalizeImages(ctx, post.Content, handler.api.SaveFile)
	if err != nil {
		log.Errorf("save post, externalize images: %s", err)
		http.Error(w, "save post failed", http.StatusInternalServerError)
		return
	}
	post.Content = content
	if filesSaved > 0 && handler.metricsManager != nil {
		handler.metricsManager.CounterFilesSaved.Add(float64(filesSaved))
	}

	if err := handler.api.SavePost(ctx, post); err != nil {
		if errors.Is(err, ErrPostTitleOrContentEmpty) {
			http.Error(w, "error, title or content empty", http.StatusBadRequest)
			return
		}
		log.Errorf("save post %s: %s", post.ID, err)
		http.Error(w, "save post failed", http.StatusInternalServerError)
		return
	}

	if handler.metricsManager != nil {
		handler.metricsManager.CounterPostsSaved.Inc()
	}

	pkg.WriteJSONResponseOK(w, fmt.Sprintf(`{"saved":true,"id":"%s","slug":"%s"}`, post.ID, post.Slug))
}

func (handler *Handler) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := handler.api.DeletePost(r.Context(), id); err != nil {
		if errors.Is(err, ErrPostNotFound) {
			http.Error(w, "post not found", http.StatusNotFound)
			return
		}
		log.Errorf("delete post %s: %s", id, err)
		http.Error(w, "delete post failed", http.StatusInternalServerError)
		return
	}

	if handler.metricsManager != nil {
		handler.metricsManager.CounterPostsDeleted.Inc()
	}

	pkg.WriteJSONResponseOK(w, fmt.Sprintf(`{"deleted":true,"id":"%s"}`, id))
}

func (handler *Handler) handleNewComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req newCommentRequest
	honeypotTripped := false
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Errorf("new comment, unmarshal json params: %s", err)
			http.Error(w, "add comment failed", http.StatusBadRequest)
			return
		}
		honeypotTripped = req.Website != ""
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("add new comment failed, parse form error: %s", err)
			http.Error(w, "parse form error", http.StatusInternalServerError)
			return
		}
		req = newCommentRequest{
			PostID:  r.Form.Get("postId"),
			Author:  r.Form.Get("author"),
			Email:   r.Form.Get("email"),
			Content: r.Form.Get("content"),
		}
		honeypotTripped = r.Form.Has("website")
	}

	privileged := handler.isPrivileged(r)

	post, err := handler.api.GetPostByID(ctx, req.PostID, privileged)
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			http.Error(w, "post not found", http.StatusNotFound)
			return
		}
		log.Errorf("add comment, get post %s: %s", req.PostID, err)
		http.Error(w, "add comment failed", http.StatusInternalServerError)
		return
	}

	if !post.AreCommentsOpen(handler.settings.CommentsCloseAfterDaysOrDefault(), handler.now()) {
		http.Error(w, "comments closed", http.StatusNotFound)
		return
	}

	if strings.TrimSpace(req.Author) == "" ||
		strings.TrimSpace(req.Email) == "" ||
		strings.TrimSpace(req.Content) == "" {
		http.Error(w, "error, author, email or content empty", http.StatusBadRequest)
		return
	}

	// bots fill the honeypot field, drop the comment but answer as if saved
	if honeypotTripped {
		reqIp, _ := pkg.ReadUserIP(r)
		log.Warnf("honeypot comment for post %s dropped, from: %s", req.PostID, reqIp)
		pkg.WriteJSONResponseOK(w, `{"added":true}`)
		return
	}

	comment, err := NewComment(req.Author, req.Email, req.Content, privileged)
	if err != nil {
		log.Errorf("add comment, create: %s", err)
		http.Error(w, "add comment failed", http.StatusInternalServerError)
		return
	}

	post.Comments = append(post.Comments, comment)
	if err := handler.api.SavePost(ctx, post); err != nil {
		log.Errorf("add comment, save post %s: %s", post.ID, err)
		http.Error(w, "add comment failed", http.StatusInternalServerError)
		return
	}

	if handler.metricsManager != nil {
		handler.metricsManager.CounterComments.Inc()
	}

	pkg.WriteJSONResponseOK(w, fmt.Sprintf(`{"added":true,"id":"%s"}`, comment.ID))
}

func (handler *Handler) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	postId := vars["postId"]
	commentId := vars["commentId"]

	post, err := handler.api.GetPostByID(ctx, postId, true)
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			http.Error(w, "post not found", http.StatusNotFound)
			return
		}
		log.Errorf("delete comment, get post %s: %s", postId, err)
		http.Error(w, "delete comment failed", http.StatusInternalServerError)
		return
	}

	commentIndex := -1
	for i, c := range post.Comments {
		if strings.EqualFold(c.ID, commentId) {
			commentIndex = i
			break
		}
	}
	if commentIndex < 0 {
		http.Error(w, "comment not found", http.StatusNotFound)
		return
	}

	post.Comments = append(post.Comments[:commentIndex], post.Comments[commentIndex+1:]...)
	if err := handler.api.SavePost(ctx, post); err != nil {
		log.Errorf("delete comment, save post %s: %s", post.ID, err)
		http.Error(w, "delete comment failed", http.StatusInternalServerError)
		return
	}

	pkg.WriteJSONResponseOK(w, fmt.Sprintf(`{"deleted":true,"id":"%s"}`, commentId))
}

func pageParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	vars := mux.Vars(r)
	page, err := strconv.Atoi(vars["page"])
	if err != nil || page < 0 {
		http.Error(w, "invalid page", http.StatusBadRequest)
		return 0, false
	}
	return page, true
}

func splitLabels(labels string) []string {
	var result []string
	for _, label := range strings.Split(labels, ",") {
		label = strings.ToLower(strings.TrimSpace(label))
		if label != "" {
			result = append(result, label)
		}
	}
	return result
}
