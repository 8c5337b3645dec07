// Package web はサーバーレンダリングのページとルーティングを提供します。
package web

import (
	"errors"
	"fmt"
	"log"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/inkpost/internal/auth"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// Deps はハンドラーが利用する依存関係です。グローバル状態は持たず、
// Setup ごとに独立したアプリケーションを組み立てます。
type Deps struct {
	Sessions      sessions.Store
	Auth          *auth.Manager
	Authenticator Authenticator
	Attempts      auth.AttemptStore
	Posts         PostRepository
	Logger        *log.Logger

	// TrustedProxies は X-Forwarded-For を信頼するプロキシです。nil ならクライアント IP は接続元になります。
	TrustedProxies []string
}

func (d *Deps) validate() error {
	switch {
	case d.Sessions == nil:
		return errors.New("session store is nil")
	case d.Auth == nil:
		return errors.New("auth manager is nil")
	case d.Authenticator == nil:
		return errors.New("authenticator is nil")
	case d.Posts == nil:
		return errors.New("post repository is nil")
	}
	return nil
}

// Setup はミドルウェア・テンプレート・ルートを router に登録します。
func Setup(router *gin.Engine, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Attempts == nil {
		deps.Attempts = auth.NewMemoryAttemptStore()
	}

	// ログイン試行制限のキーになるため、未設定時はヘッダーを信頼しない
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	htmlRender, err := newHTMLRender()
	if err != nil {
		return err
	}
	router.HTMLRender = htmlRender

	deps.Auth.Deny = renderError

	router.Use(requestIDMiddleware())
	router.Use(sessions.Sessions(auth.SessionCookieName, deps.Sessions))
	router.Use(deps.Auth.CurrentUser())

	router.GET("/health", handleHealth)

	home := HomeHandler(deps.Posts, deps.Logger)
	router.GET("/", home)
	router.GET("/home", home)

	// ログインフォームは匿名セッションの CSRF トークンで保護する
	router.GET("/login", LoginPageHandler(deps.Auth, deps.Logger))
	router.POST("/login", deps.Auth.VerifyCSRF(), LoginSubmitHandler(deps.Authenticator, deps.Auth, deps.Attempts, deps.Logger))

	protected := router.Group("")
	protected.Use(deps.Auth.RequireLogin(), deps.Auth.VerifyCSRF())
	{
		protected.GET("/post/new", NewPostPageHandler())
		protected.POST("/post/new", NewPostSubmitHandler(deps.Posts, deps.Logger))
		protected.POST("/logout", LogoutHandler(deps.Auth, deps.Logger))
	}

	router.NoRoute(handleNotFound)
	return nil
}

// requestIDMiddleware はリクエストごとに ID を割り当て、ログとレスポンスヘッダーに使います。
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
