package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/2beens/miniblog/internal/auth"
	"github.com/2beens/miniblog/internal/blog"
	"github.com/2beens/miniblog/internal/config"
	"github.com/2beens/miniblog/internal/file_box"
	"github.com/2beens/miniblog/internal/telemetry/metrics"

	"github.com/go-redis/redismock/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

func testServerSetup(t *testing.T) *Server {
	t.Helper()

	rdb, _ := redismock.NewClientMock()
	t.Cleanup(func() {
		assert.NoError(t, rdb.Close())
	})

	badgerStore, err := blog.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, badgerStore.Close())
	})

	diskApi, err := file_box.NewDiskApi(t.TempDir(), "http://localhost:9000")
	require.NoError(t, err)

	cfg := &config.Config{
		Environment:                    "development",
		PostsPerPage:                   4,
		CommentsCloseAfterDays:         10,
		ListView:                       string(blog.ListViewTitlesAndExcerpts),
		PostsStore:                     "badger",
		LoginRateLimitAllowedPerMin:    15,
		CommentsRateLimitAllowedPerMin: 10,
	}

	s := &Server{
		config:         cfg,
		versionInfo:    "test",
		badgerStore:    badgerStore,
		diskApi:        diskApi,
		redisClient:    rdb,
		loginChecker:   auth.NewLoginChecker(time.Hour, rdb),
		authService:    auth.NewAuthService(&auth.Admin{}, time.Hour, rdb),
		metricsManager: metrics.NewTestManager(),
	}
	s.blogRepo = blog.NewRepo(badgerStore, diskApi, s.blogSettings())
	s.renderCache = blog.NewRenderCache(0)

	return s
}

func TestServer_routerSetup(t *testing.T) {
	s := testServerSetup(t)
	r := s.routerSetup()
	require.NotNil(t, r)

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
		"new-comment": {
			name:   "new-comment",
			path:   "/blog/comments/new",
			method: "POST",
		},
		"login": {
			name:   "login",
			path:   "/a/login",
			method: "POST",
		},
		"version": {
			name:   "version",
			path:   "/version",
			method: "GET",
		},
		"files": {
			name:   "files",
			path:   "/files/pic_123.png",
			method: "GET",
		},
		"unknown": {
			name:   "unknown",
			path:   "/nothing-here",
			method: "GET",
		},
	} {
		t.Run(caseName, func(t *testing.T) {
			req, err := http.NewRequest(route.method, route.path, nil)
			require.NoError(t, err)

			routeMatch := &mux.RouteMatch{}
			muxRoute := r.Get(route.name)
			require.NotNil(t, muxRoute)
			assert.True(t, muxRoute.Match(req, routeMatch), caseName)
		})
	}
}

func TestServer_postsPageThroughMiddlewareChain(t *testing.T) {
	s := testServerSetup(t)
	r := s.routerSetup()

	req := httptest.NewRequest("GET", "/blog/posts/page/0", nil)
	req.Header.Set("Origin", "test")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total":0`)
}

func TestServer_savePostUnauthorized(t *testing.T) {
	s := testServerSetup(t)
	r := s.routerSetup()

	req := httptest.NewRequest("POST", "/blog/posts/save", nil)
	req.Header.Set("Origin", "test")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
