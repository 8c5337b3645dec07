package auth

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

const (
	// LoginPath はログイン必須ゲートのリダイレクト先です。
	LoginPath = "/login"

	csrfHeader    = "X-CSRF-Token"
	csrfFormField = "csrf_token"
)

// RequireLogin は未ログインのリクエストをログイン画面へリダイレクトするミドルウェアです。
// 元のパスは next パラメータで引き継ぎます。CurrentUser の後に置いてください。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := UserFromContext(c); ok {
			c.Next()
			return
		}
		c.Redirect(http.StatusFound, LoginURL(c.Request.URL.RequestURI()))
		c.Abort()
	}
}

// VerifyCSRF は状態を変更するリクエストの CSRF トークンを検証するミドルウェアです。
// トークンは csrf_token フォーム項目か X-CSRF-Token ヘッダーで受け取ります。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			m.Deny(c, http.StatusForbidden, "The CSRF token is missing.")
			c.Abort()
			return
		}

		received := c.GetHeader(csrfHeader)
		if received == "" {
			received = c.PostForm(csrfFormField)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			m.Deny(c, http.StatusForbidden, "The CSRF token is invalid.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// LoginURL は next 付きのログイン URL を組み立てます。安全でない next は付与しません。
func LoginURL(next string) string {
	next = SafeNext(next)
	if next == "" {
		return LoginPath
	}
	return LoginPath + "?" + url.Values{"next": {next}}.Encode()
}

// SafeNext はログイン後のリダイレクト先として同一オリジンの相対パスだけを許可します。
// 許可できない場合は空文字を返します。
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") {
		return ""
	}
	// //host や /\host はブラウザで外部 URL として解釈される
	if strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return ""
	}
	for _, r := range next {
		if r < 0x20 || r == 0x7f || r == '\\' {
			return ""
		}
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return ""
	}
	return next
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
