package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/inkpost/internal/auth"
	"github.com/yourusername/inkpost/internal/config"
	"github.com/yourusername/inkpost/internal/models"
	"github.com/yourusername/inkpost/internal/storage"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "correct horse battery staple"
)

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

type testApp struct {
	router  *gin.Engine
	users   *storage.UserStore
	posts   *storage.PostStore
	alice   *models.User
	cookies map[string]*http.Cookie
}

type appOption func(*Deps)

func newTestApp(t *testing.T, opts ...appOption) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	discard := log.New(io.Discard, "", 0)

	db, err := storage.Open("sqlite:///"+filepath.Join(t.TempDir(), "blog.db"), storage.Options{Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	users := storage.NewUserStore(db)
	posts := storage.NewPostStore(db)

	hasher := &auth.BcryptHasher{Cost: bcrypt.MinCost}
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	alice, err := users.Create(context.Background(), testEmail, "alice", hash)
	require.NoError(t, err)

	cfg := &config.Config{SecretKey: "test-secret", RememberDays: 365, GinMode: gin.TestMode}
	deps := Deps{
		Sessions:      auth.NewCookieStore(cfg),
		Auth:          auth.NewManager(cfg, users, discard),
		Authenticator: auth.NewAuthenticator(users, hasher),
		Attempts:      auth.NewMemoryAttemptStore(),
		Posts:         posts,
		Logger:        discard,

		TrustedProxies: nil,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	router := gin.New()
	require.NoError(t, Setup(router, deps))

	return &testApp{
		router:  router,
		users:   users,
		posts:   posts,
		alice:   alice,
		cookies: map[string]*http.Cookie{},
	}
}

func (a *testApp) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	return a.doWithHeader(method, target, form, nil)
}

func (a *testApp) doWithHeader(method, target string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, c := range a.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(a.cookies, c.Name)
			continue
		}
		a.cookies[c.Name] = c
	}
	return rec
}

func (a *testApp) login(t *testing.T, extra url.Values) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"email": {testEmail}, "password": {testPassword}}
	for k, v := range extra {
		form[k] = v
	}
	return a.postLogin(t, "/login", form, nil)
}

// postLogin はログイン画面で発行された CSRF トークンを付けて送信します。
func (a *testApp) postLogin(t *testing.T, target string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	form.Set("csrf_token", a.loginToken(t))
	return a.doWithHeader(http.MethodPost, target, form, header)
}

func (a *testApp) loginToken(t *testing.T) string {
	t.Helper()
	rec := a.do(http.MethodGet, "/login", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := csrfPattern.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "csrf token not found in login form")
	return m[1]
}

func (a *testApp) csrfToken(t *testing.T) string {
	t.Helper()
	rec := a.do(http.MethodGet, "/post/new", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := csrfPattern.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "csrf token not found in form")
	return m[1]
}

func (a *testApp) postCount(t *testing.T) int64 {
	t.Helper()
	n, err := a.posts.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestHomeRendersForAnonymous(t *testing.T) {
	app := newTestApp(t)

	for _, path := range []string{"/", "/home"} {
		rec := app.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `href="/login"`)
		assert.Contains(t, rec.Body.String(), "No posts yet.")
	}
}

func TestLoginPageRendersForm(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(http.MethodGet, "/login?next=%2Fpost%2Fnew", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `name="email"`)
	assert.Contains(t, body, `name="next" value="/post/new"`)
}

func TestLoginSuccessRedirectsHome(t *testing.T) {
	app := newTestApp(t)

	rec := app.login(t, nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	rec = app.do(http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alice")
	assert.Contains(t, rec.Body.String(), "Logout")
}

func TestLoginFollowsRelativeNext(t *testing.T) {
	app := newTestApp(t)
	rec := app.login(t, url.Values{"next": {"/post/new"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/post/new", rec.Header().Get("Location"))

	app = newTestApp(t)
	form := url.Values{"email": {testEmail}, "password": {testPassword}}
	rec = app.postLogin(t, "/login?next=%2Fpost%2Fnew", form, nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/post/new", rec.Header().Get("Location"))
}

func TestLoginIgnoresExternalNext(t *testing.T) {
	for _, next := range []string{"https://evil.example.com/", "//evil.example.com", "/\\evil.example.com", "javascript:alert(1)"} {
		app := newTestApp(t)
		rec := app.login(t, url.Values{"next": {next}})
		require.Equal(t, http.StatusSeeOther, rec.Code, next)
		assert.Equal(t, "/", rec.Header().Get("Location"), next)
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	app := newTestApp(t)

	wrongPassword := app.postLogin(t, "/login", url.Values{"email": {testEmail}, "password": {"nope"}}, nil)
	unknownEmail := app.postLogin(t, "/login", url.Values{"email": {"mallory@example.com"}, "password": {testPassword}}, nil)

	for _, rec := range []*httptest.ResponseRecorder{wrongPassword, unknownEmail} {
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), msgLoginFailed)
		assert.NotContains(t, rec.Body.String(), testPassword)
	}

	rec := app.do(http.MethodGet, "/", nil)
	assert.Contains(t, rec.Body.String(), `href="/login"`)
	assert.NotContains(t, rec.Body.String(), "Logout")
}

func TestLoginValidationErrors(t *testing.T) {
	app := newTestApp(t)

	rec := app.postLogin(t, "/login", url.Values{"password": {testPassword}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "This field is required.")

	rec = app.postLogin(t, "/login", url.Values{"email": {"not-an-email"}, "password": {"x"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid email address.")
	assert.Contains(t, rec.Body.String(), `value="not-an-email"`)
}

func TestAuthenticatedLoginRedirectsHome(t *testing.T) {
	app := newTestApp(t)
	require.Equal(t, http.StatusSeeOther, app.login(t, nil).Code)

	rec := app.do(http.MethodGet, "/login", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.NotContains(t, rec.Body.String(), `name="password"`)

	rec = app.do(http.MethodPost, "/login", url.Values{
		"csrf_token": {app.csrfToken(t)},
		"email":      {testEmail},
		"password":   {testPassword},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestRememberMeSetsPersistentCookie(t *testing.T) {
	app := newTestApp(t)
	require.Equal(t, http.StatusSeeOther, app.login(t, nil).Code)
	assert.Zero(t, app.cookies[auth.SessionCookieName].MaxAge)

	app = newTestApp(t)
	require.Equal(t, http.StatusSeeOther, app.login(t, url.Values{"remember": {"true"}}).Code)
	assert.Equal(t, 365*24*60*60, app.cookies[auth.SessionCookieName].MaxAge)
}

func TestNewPostRequiresLogin(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(http.MethodGet, "/post/new", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?next=%2Fpost%2Fnew", rec.Header().Get("Location"))

	rec = app.do(http.MethodPost, "/post/new", url.Values{"title": {"Hello"}, "content": {"World"}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login"))
	assert.Zero(t, app.postCount(t))
}

func TestCreatePost(t *testing.T) {
	app := newTestApp(t)
	require.Equal(t, http.StatusSeeOther, app.login(t, nil).Code)
	token := app.csrfToken(t)

	rec := app.do(http.MethodPost, "/post/new", url.Values{
		"csrf_token": {token},
		"title":      {"Hello"},
		"content":    {"First post body"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	assert.EqualValues(t, 1, app.postCount(t))
	recent, err := app.posts.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, app.alice.ID, recent[0].UserID)
	assert.Equal(t, app.alice.ID, recent[0].Author.ID)

	rec = app.do(http.MethodGet, "/", nil)
	body := rec.Body.String()
	assert.Contains(t, body, msgPostCreated)
	assert.Contains(t, body, "Hello")
	assert.Contains(t, body, "by alice")

	// フラッシュは一度だけ表示される
	rec = app.do(http.MethodGet, "/", nil)
	assert.NotContains(t, rec.Body.String(), msgPostCreated)
}

func TestCreatePostRequiresCSRFToken(t *testing.T) {
	app := newTestApp(t)
	require.Equal(t, http.StatusSeeOther, app.login(t, nil).Code)

	rec := app.do(http.MethodPost, "/post/new", url.Values{"title": {"Hello"}, "content": {"World"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = app.do(http.MethodPost, "/post/new", url.Values{"csrf_token": {"forged"}, "title": {"Hello"}, "content": {"World"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, app.postCount(t))
}

func TestCreatePostValidation(t *testing.T) {
	app := newTestApp(t)
	require.Equal(t, http.StatusSeeOther, app.login(t, nil).Code)
	token := app.csrfToken(t)

	cases := []struct {
		name    string
		form    url.Values
		message string
	}{
		{"missing title", url.Values{"content": {"body"}}, "This field is required."},
		{"blank title", url.Values{"title": {"   "}, "content": {"body"}}, "This field is required."},
		{"missing content", url.Values{"title": {"t"}}, "This field is required."},
		{"long title", url.Values{"title": {strings.Repeat("x", 101)}, "content": {"body"}}, "Field cannot be longer than 100 characters."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.form.Set("csrf_token", token)
			rec := app.do(http.MethodPost, "/post/new", tc.form)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.message)
		})
	}
	assert.Zero(t, app.postCount(t))
}

type failingPosts struct{}

func (failingPosts) Create(ctx context.Context, title, content string, authorID uint) (uint, error) {
	return 0, &storage.Error{Op: "create post", Err: errors.New("disk I/O error")}
}

func (failingPosts) Recent(ctx context.Context, limit int) ([]models.Post, error) {
	return nil, &storage.Error{Op: "list recent posts", Err: errors.New("disk I/O error")}
}

func TestCreatePostStorageFailure(t *testing.T) {
	app := newTestApp(t, func(d *Deps) { d.Posts = failingPosts{} })
	require.Equal(t, http.StatusSeeOther, app.login(t, nil).Code)
	token := app.csrfToken(t)

	rec := app.do(http.MethodPost, "/post/new", url.Values{
		"csrf_token": {token},
		"title":      {"Hello"},
		"content":    {"World"},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), msgPostFailed)
	assert.Contains(t, rec.Body.String(), `value="Hello"`)

	// 一覧の取得に失敗してもホームは表示される
	rec = app.do(http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), msgPostsDown)
}

func TestLoginThrottle(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 5; i++ {
		rec := app.postLogin(t, "/login", url.Values{"email": {testEmail}, "password": {"wrong"}}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := app.login(t, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), msgLoginLocked)

	rec = app.do(http.MethodGet, "/", nil)
	assert.NotContains(t, rec.Body.String(), "Logout")
}

func TestLoginThrottleIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 20; i++ {
		header := http.Header{"X-Forwarded-For": {fmt.Sprintf("10.0.0.%d", i)}}
		rec := app.postLogin(t, "/login", url.Values{"email": {testEmail}, "password": {"wrong"}}, header)
		if i < 5 {
			require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i+1)
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, rec.Code, "attempt %d", i+1)
	}
}

func TestLoginThrottleUsesForwardedForFromTrustedProxy(t *testing.T) {
	// httptest のリクエストは 192.0.2.1 から届く
	app := newTestApp(t, func(d *Deps) { d.TrustedProxies = []string{"192.0.2.0/24"} })
	blocked := http.Header{"X-Forwarded-For": {"203.0.113.7"}}

	for i := 0; i < 5; i++ {
		rec := app.postLogin(t, "/login", url.Values{"email": {testEmail}, "password": {"wrong"}}, blocked)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := app.postLogin(t, "/login", url.Values{"email": {testEmail}, "password": {testPassword}}, blocked)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	other := http.Header{"X-Forwarded-For": {"203.0.113.8"}}
	rec = app.postLogin(t, "/login", url.Values{"email": {testEmail}, "password": {testPassword}}, other)
	require.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestLoginRequiresCSRFToken(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(http.MethodPost, "/login", url.Values{"email": {testEmail}, "password": {testPassword}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// 匿名セッションにトークンがあっても一致しなければ拒否する
	app.loginToken(t)
	rec = app.do(http.MethodPost, "/login", url.Values{"csrf_token": {"forged"}, "email": {testEmail}, "password": {testPassword}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = app.do(http.MethodGet, "/", nil)
	assert.NotContains(t, rec.Body.String(), "Logout")
}

func TestLoginRotatesCSRFToken(t *testing.T) {
	app := newTestApp(t)

	anonymous := app.loginToken(t)
	assert.Equal(t, anonymous, app.loginToken(t))

	form := url.Values{"csrf_token": {anonymous}, "email": {testEmail}, "password": {testPassword}}
	require.Equal(t, http.StatusSeeOther, app.do(http.MethodPost, "/login", form).Code)
	assert.NotEqual(t, anonymous, app.csrfToken(t))
}

func TestLogout(t *testing.T) {
	app := newTestApp(t)
	require.Equal(t, http.StatusSeeOther, app.login(t, nil).Code)
	token := app.csrfToken(t)

	rec := app.do(http.MethodPost, "/logout", url.Values{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = app.do(http.MethodPost, "/logout", url.Values{"csrf_token": {token}})
	require.Equal(t, http.StatusSeeOther, rec.Code)

	rec = app.do(http.MethodGet, "/", nil)
	assert.Contains(t, rec.Body.String(), msgLoggedOut)
	assert.Contains(t, rec.Body.String(), `href="/login"`)

	rec = app.do(http.MethodGet, "/post/new", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestNotFoundAndHealth(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), msgPageNotFound)

	rec = app.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"inkpost"}`, rec.Body.String())
}

func TestRequestIDHeader(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(http.MethodGet, "/", nil)
	assert.Len(t, rec.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "0b9c2f9e-4a49-4d8e-9a3c-2f6f2e1b7c11")
	out := httptest.NewRecorder()
	app.router.ServeHTTP(out, req)
	assert.Equal(t, "0b9c2f9e-4a49-4d8e-9a3c-2f6f2e1b7c11", out.Header().Get(requestIDHeader))
}

func TestSetupRejectsMissingDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	assert.Error(t, Setup(gin.New(), Deps{}))
}
