package blog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/2beens/miniblog/internal/auth"
	"github.com/2beens/miniblog/internal/middleware"
	"github.com/2beens/miniblog/internal/telemetry/metrics"

	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testRequestRateLimiter struct {
	allowed int
}

func (l *testRequestRateLimiter) Allow(_ context.Context, _ string, _ redis_rate.Limit) (*redis_rate.Result, error) {
	return &redis_rate.Result{Allowed: l.allowed}, nil
}

type handlerTestSetup struct {
	handler      *Handler
	repo         *Repo
	store        *storeMock
	router       *mux.Router
	loginChecker *auth.LoginTestChecker
	metrics      *metrics.Manager
	now          time.Time
}

const testAdminToken = "valid-admin-token"

func testHandlerSetup(t *testing.T, posts ...*Post) *handlerTestSetup {
	t.Helper()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	store := newStoreMock()
	for _, p := range posts {
		store.Posts[p.ID] = p
	}

	settings := Settings{
		PostsPerPage:           4,
		CommentsCloseAfterDays: 10,
		ListView:               ListViewTitlesAndExcerpts,
	}

	repo := NewRepo(store, newFileSaverMock(), settings)
	repo.nowFunc = func() time.Time { return now }

	loginChecker := auth.NewLoginTestChecker()
	loginChecker.LoggedSessions[testAdminToken] = true

	metricsManager := metrics.NewTestManager()

	handler := NewHandler(repo, NewRenderCache(0), settings, loginChecker, metricsManager)
	handler.now = func() time.Time { return now }

	router := mux.NewRouter()
	handler.SetupRoutes(router, &testRequestRateLimiter{allowed: 1}, 10)

	return &handlerTestSetup{
		handler:      handler,
		repo:         repo,
		store:        store,
		router:       router,
		loginChecker: loginChecker,
		metrics:      metricsManager,
		now:          now,
	}
}

func TestHandler_SetupRoutes(t *testing.T) {
	s := testHandlerSetup(t)

	for caseName, route := range map[string]struct {
		name   string
		path   string
		method string
	}{
		"posts-page": {
			name:   "posts-page",
			path:   "/blog/posts/page/0",
			method: "GET",
		},
		"get-post": {
			name:   "get-post",
			path:   "/blog/post/my-first-post",
			method: "GET",
		},
		"category-page": {
			name:   "category-page",
			path:   "/blog/category/go/page/1",
			method: "GET",
		},
		"tag-page": {
			name:   "tag-page",
			path:   "/blog/tag/testing/page/0",
			method: "GET",
		},
		"categories": {
			name:   "categories",
			path:   "/blog/categories",
			method: "GET",
		},
		"tags": {
			name:   "tags",
			path:   "/blog/tags",
			method: "GET",
		},
		"save-post": {
			name:   "save-post",
			path:   "/blog/posts/save",
			method: "POST",
		},
		"save-post-options": {
			name:   "save-post",
			path:   "/blog/posts/save",
			method: "OPTIONS",
		},
		"delete-post": {
			name:   "delete-post",
			path:   "/blog/posts/delete/1234",
			method: "DELETE",
		},
		"new-comment": {
			name:   "new-comment",
			path:   "/blog/comments/new",
			method: "POST",
		},
		"delete-comment": {
			name:   "delete-comment",
			path:   "/blog/comments/delete/1234/5678",
			method: "DELETE",
		},
	} {
		t.Run(caseName, func(t *testing.T) {
			req, err := http.NewRequest(route.method, route.path, nil)
			require.NoError(t, err)

			routeMatch := &mux.RouteMatch{}
			muxRoute := s.router.Get(route.name)
			require.NotNil(t, muxRoute)
			assert.True(t, muxRoute.Match(req, routeMatch), caseName)
		})
	}
}

func TestHandler_GetPage(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	var posts []*Post
	for i := 1; i <= 9; i++ {
		posts = append(posts, testPost(fmt.Sprintf("%d", i), base.AddDate(0, 0, -i), true))
	}
	// a draft must not show up for anonymous readers
	posts = append(posts, testPost("10", base.AddDate(0, 0, -1), false))
	s := testHandlerSetup(t, posts...)

	req := httptest.NewRequest("GET", "/blog/posts/page/0", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp PostsPageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 9, resp.Total)
	assert.Equal(t, 2, resp.TotalPages)
	assert.Equal(t, ListViewTitlesAndExcerpts, resp.ListView)
	require.Len(t, resp.Posts, 4)
	assert.Equal(t, "1", resp.Posts[0].ID)
	assert.NotEmpty(t, resp.Posts[0].Excerpt)
	assert.Empty(t, resp.Posts[0].RenderedContent)
	assert.Equal(t, "/blog/posts/page/1", resp.Prev)
	assert.Empty(t, resp.Next)

	// last page holds the single remaining post
	req = httptest.NewRequest("GET", "/blog/posts/page/2", nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Posts, 1)
	assert.Equal(t, "9", resp.Posts[0].ID)
	assert.Equal(t, "/blog/posts/page/3", resp.Prev)
	assert.Equal(t, "/blog/posts/page/1", resp.Next)

	// admin sees the draft too
	req = httptest.NewRequest("GET", "/blog/posts/page/0", nil)
	req.Header.Set(middleware.AuthTokenHeader, testAdminToken)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.Total)

	// invalid page param
	req = httptest.NewRequest("GET", "/blog/posts/page/nope", nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_GetPost(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	post := testPost("1", base.AddDate(0, 0, -1), true)
	post.Content = `hello <img src="http://x/a.png"> world`
	comment, err := NewComment("reader", "reader@example.com", "first!", false)
	require.NoError(t, err)
	post.Comments = []*Comment{comment}
	s := testHandlerSetup(t, post)

	req := httptest.NewRequest("GET", "/blog/post/slug-1", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp PostResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, "/blog/slug-1/", resp.Link)
	assert.True(t, resp.CommentsOpen)
	assert.Contains(t, resp.RenderedContent, `data-src="http://x/a.png"`)
	require.Len(t, resp.Comments, 1)
	assert.Equal(t, "first!", resp.Comments[0].Content)
	assert.Contains(t, resp.Comments[0].Gravatar, "https://www.gravatar.com/avatar/")

	req = httptest.NewRequest("GET", "/blog/post/no-such-slug", nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_GetCategoriesAndTags(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	post := testPost("1", base.AddDate(0, 0, -1), true)
	post.Categories = []string{"Go", "databases"}
	post.Tags = []string{"tutorial"}
	s := testHandlerSetup(t, post)

	req := httptest.NewRequest("GET", "/blog/categories", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `["databases","go"]`, rr.Body.String())

	req = httptest.NewRequest("GET", "/blog/tags", nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `["tutorial"]`, rr.Body.String())
}

func TestHandler_GetCategoryAndTagPages(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	tagged := testPost("1", base.AddDate(0, 0, -1), true)
	tagged.Categories = []string{"go"}
	tagged.Tags = []string{"tutorial"}
	other := testPost("2", base.AddDate(0, 0, -2), true)
	s := testHandlerSetup(t, tagged, other)

	req := httptest.NewRequest("GET", "/blog/category/go/page/0", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp PostsPageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Posts, 1)
	assert.Equal(t, "1", resp.Posts[0].ID)
	assert.Equal(t, "/blog/category/go/page/1", resp.Prev)
	assert.Empty(t, resp.Next)

	req = httptest.NewRequest("GET", "/blog/tag/tutorial/page/2", nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Empty(t, resp.Posts)
	assert.Equal(t, "/blog/tag/tutorial/page/3", resp.Prev)
	assert.Equal(t, "/blog/tag/tutorial/page/1", resp.Next)
}

func TestHandler_SavePost(t *testing.T) {
	s := testHandlerSetup(t)

	body := `{
		"title": "A Brand New Post",
		"content": "with some content",
		"excerpt": "short",
		"isPublished": true,
		"categories": "Go, Databases",
		"tags": "tutorial"
	}`
	req := httptest.NewRequest("POST", "/blog/posts/save", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Saved bool   `json:"saved"`
		ID    string `json:"id"`
		Slug  string `json:"slug"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Saved)
	assert.Equal(t, "a-brand-new-post", resp.Slug)

	saved, ok := s.store.Posts[resp.ID]
	require.True(t, ok)
	assert.Equal(t, []string{"go", "databases"}, saved.Categories)
	assert.Equal(t, []string{"tutorial"}, saved.Tags)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CounterPostsSaved))
}

func TestHandler_SavePost_validation(t *testing.T) {
	s := testHandlerSetup(t)

	for name, body := range map[string]string{
		"EmptyTitle":   `{"title": "", "content": "content"}`,
		"EmptyContent": `{"title": "title", "content": "  "}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/blog/posts/save", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			s.router.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, 0, s.repo.CachedPostsCount())
		})
	}
}

func TestHandler_SavePost_slugCollision(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	existing := testPost("1", base.AddDate(0, 0, -1), true)
	existing.Slug = "taken-slug"
	s := testHandlerSetup(t, existing)

	body := `{"title": "Taken Slug", "content": "content", "slug": "taken-slug", "isPublished": true}`
	req := httptest.NewRequest("POST", "/blog/posts/save", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEqual(t, "taken-slug", resp.Slug)
	assert.Equal(t, "taken-slug"+s.now.Format("200601021504"), resp.Slug)

	// saving the same post again keeps its own slug
	body = `{"id": "1", "title": "Taken Slug", "content": "content", "slug": "taken-slug", "isPublished": true}`
	req = httptest.NewRequest("POST", "/blog/posts/save", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "taken-slug", resp.Slug)
}

func TestHandler_SavePost_externalizesImages(t *testing.T) {
	s := testHandlerSetup(t)

	content := `look: <img src="data:image/png;base64,QUFBQQ==" data-filename="pic.png">`
	body := fmt.Sprintf(
		`{"title": "With Image", "content": %q, "isPublished": true}`, content,
	)
	req := httptest.NewRequest("POST", "/blog/posts/save", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	saved := s.store.Posts[resp.ID]
	require.NotNil(t, saved)
	assert.Equal(t, `look: <img src="/files/pic.png_0">`, saved.Content)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CounterFilesSaved))
}

func TestHandler_DeletePost(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := testHandlerSetup(t, testPost("1", base.AddDate(0, 0, -1), true))

	req := httptest.NewRequest("DELETE", "/blog/posts/delete/1", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, s.store.Posts, "1")
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CounterPostsDeleted))

	req = httptest.NewRequest("DELETE", "/blog/posts/delete/1", nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_NewComment(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := testHandlerSetup(t, testPost("1", base.AddDate(0, 0, -1), true))

	body := `{"postId": "1", "author": " reader ", "email": "reader@example.com", "content": "  nice one  "}`
	req := httptest.NewRequest("POST", "/blog/comments/new", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	saved := s.store.Posts["1"]
	require.Len(t, saved.Comments, 1)
	assert.Equal(t, "reader", saved.Comments[0].Author)
	assert.Equal(t, "nice one", saved.Comments[0].Content)
	assert.False(t, saved.Comments[0].IsAdmin)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CounterComments))
}

func TestHandler_NewComment_adminFlag(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := testHandlerSetup(t, testPost("1", base.AddDate(0, 0, -1), true))

	body := `{"postId": "1", "author": "the admin", "email": "admin@example.com", "content": "thanks all"}`
	req := httptest.NewRequest("POST", "/blog/comments/new", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.AuthTokenHeader, testAdminToken)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	saved := s.store.Posts["1"]
	require.Len(t, saved.Comments, 1)
	assert.True(t, saved.Comments[0].IsAdmin)
}

func TestHandler_NewComment_honeypot(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := testHandlerSetup(t, testPost("1", base.AddDate(0, 0, -1), true))

	// json honeypot
	body := `{"postId": "1", "author": "bot", "email": "bot@example.com", "content": "spam", "website": "http://spam.example.com"}`
	req := httptest.NewRequest("POST", "/blog/comments/new", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	// the bot gets a success response, the comment goes nowhere
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"added":true`)
	assert.Empty(t, s.store.Posts["1"].Comments)

	// form honeypot, even an empty field counts
	form := url.Values{}
	form.Set("postId", "1")
	form.Set("author", "bot")
	form.Set("email", "bot@example.com")
	form.Set("content", "spam")
	form.Set("website", "")
	req = httptest.NewRequest("POST", "/blog/comments/new", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, s.store.Posts["1"].Comments)
}

func TestHandler_NewComment_closedAndMissing(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	// comments close after 10 days
	stale := testPost("old", base.AddDate(0, 0, -11), true)
	s := testHandlerSetup(t, stale)

	body := `{"postId": "old", "author": "reader", "email": "reader@example.com", "content": "too late"}`
	req := httptest.NewRequest("POST", "/blog/comments/new", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	body = `{"postId": "no-such-post", "author": "reader", "email": "reader@example.com", "content": "hello"}`
	req = httptest.NewRequest("POST", "/blog/comments/new", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_NewComment_rateLimited(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := testHandlerSetup(t, testPost("1", base.AddDate(0, 0, -1), true))

	router := mux.NewRouter()
	s.handler.SetupRoutes(router, &testRequestRateLimiter{allowed: 0}, 10)

	body := `{"postId": "1", "author": "reader", "email": "reader@example.com", "content": "hello"}`
	req := httptest.NewRequest("POST", "/blog/comments/new", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTooEarly, rr.Code)
	assert.Empty(t, s.store.Posts["1"].Comments)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.CounterRateLimitedRequests))
}

func TestHandler_DeleteComment(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	post := testPost("1", base.AddDate(0, 0, -1), true)
	c1, err := NewComment("one", "one@example.com", "first", false)
	require.NoError(t, err)
	c2, err := NewComment("two", "two@example.com", "second", false)
	require.NoError(t, err)
	post.Comments = []*Comment{c1, c2}
	s := testHandlerSetup(t, post)

	req := httptest.NewRequest("DELETE", "/blog/comments/delete/1/"+c1.ID, nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	saved := s.store.Posts["1"]
	require.Len(t, saved.Comments, 1)
	assert.Equal(t, c2.ID, saved.Comments[0].ID)

	req = httptest.NewRequest("DELETE", "/blog/comments/delete/1/"+c1.ID, nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
