package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/inkpost/internal/config"
	"github.com/yourusername/inkpost/internal/models"
	"github.com/yourusername/inkpost/internal/storage"
)

const (
	SessionCookieName    = "inkpost_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyRemember   = "remember"
	sessionKeyCSRF       = "csrf_token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// ContextUserKey は、ハンドラー間でログイン済みユーザーを共有するためのキーです。
const ContextUserKey = "auth.user"

// UserLoader はセッションに保存されたユーザー ID から現在のユーザーを読み込みます。
type UserLoader interface {
	FindByID(ctx context.Context, id uint) (*models.User, error)
}

// Manager はセッションの確立・解決とログイン必須ゲートをまとめた構造体です。
type Manager struct {
	cfg         *config.Config
	users       UserLoader
	logger      *log.Logger
	rememberFor time.Duration
	now         func() time.Time

	// Deny は CSRF 検証失敗時のレスポンスを書き込みます。
	Deny func(c *gin.Context, status int, message string)
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, users UserLoader, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	rememberDays := cfg.RememberDays
	if rememberDays <= 0 {
		rememberDays = 365
	}
	return &Manager{
		cfg:         cfg,
		users:       users,
		logger:      logger,
		rememberFor: time.Duration(rememberDays) * 24 * time.Hour,
		now:         time.Now,
		Deny: func(c *gin.Context, status int, message string) {
			c.String(status, message)
		},
	}
}

// NewCookieStore は SECRET_KEY で署名するクッキーセッションストアを作成します。
func NewCookieStore(cfg *config.Config) cookie.Store {
	store := cookie.NewStore([]byte(cfg.SecretKey))
	// 署名の有効期限（既定 30 日）を remember の期間まで延ばす
	if s, ok := store.(interface{ MaxAge(int) }); ok && cfg.RememberDays > 0 {
		s.MaxAge(cfg.RememberDays * 24 * 60 * 60)
	}
	store.Options(DefaultCookieOptions(cfg.GinMode == gin.ReleaseMode))
	return store
}

// DefaultCookieOptions はクッキーストアに設定する既定のオプションです。
func DefaultCookieOptions(secure bool) sessions.Options {
	return sessions.Options{
		Path:     "/",
		MaxAge:   0,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Establish はユーザーのログインセッションを作成し、CSRF トークンを返します。
// remember が true の場合はブラウザを閉じても残る永続クッキーになります。
func (m *Manager) Establish(c *gin.Context, user *models.User, remember bool) (string, error) {
	if user == nil || user.ID == 0 {
		return "", errors.New("user is required")
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	session := sessions.Default(c)
	// 以前のセッション内容は引き継がない
	session.Clear()

	now := m.now()
	session.Set(sessionKeyUser, user.ID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyRemember, remember)
	session.Set(sessionKeyCSRF, token)
	m.applyOptions(session, remember)

	if err := session.Save(); err != nil {
		return "", err
	}
	c.Set(ContextUserKey, user)
	return token, nil
}

// Logout はセッションからログイン情報を消去し、匿名のセッションクッキーに戻します。
// 匿名セッションはフラッシュメッセージの受け渡しにだけ使われます。
func (m *Manager) Logout(c *gin.Context) error {
	session := sessions.Default(c)
	session.Clear()
	session.Options(DefaultCookieOptions(m.secure()))
	c.Set(ContextUserKey, nil)
	return session.Save()
}

// CurrentUser はリクエストごとにセッションを解決するミドルウェアを返します。
// 未ログイン・期限切れの場合は匿名のまま次へ進みます。
func (m *Manager) CurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		userID, ok := readUserID(session.Get(sessionKeyUser))
		if !ok {
			c.Next()
			return
		}

		now := m.now()
		remember, _ := session.Get(sessionKeyRemember).(bool)
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		lifetime := maxSessionLifetime
		if remember {
			lifetime = m.rememberFor
		}
		if issuedAt.IsZero() || now.Sub(issuedAt) > lifetime {
			m.expire(session, "session expired", userID)
			c.Next()
			return
		}
		if !remember && (lastActive.IsZero() || now.Sub(lastActive) > idleTimeout) {
			m.expire(session, "session idle timeout", userID)
			c.Next()
			return
		}

		user, err := m.users.FindByID(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.expire(session, "session user no longer exists", userID)
			} else {
				m.logger.Printf("failed to load session user id=%d: %v", userID, err)
			}
			c.Next()
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		m.applyOptions(session, remember)
		if err := session.Save(); err != nil {
			m.logger.Printf("failed to refresh session user id=%d: %v", userID, err)
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// IssueCSRFToken は未ログインのフォーム向けに、セッションへ CSRF トークンがなければ発行します。
// ログイン成功時は Establish がトークンを作り直します。
func (m *Manager) IssueCSRFToken(c *gin.Context) (string, error) {
	session := sessions.Default(c)
	if token, ok := session.Get(sessionKeyCSRF).(string); ok && token != "" {
		return token, nil
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	session.Set(sessionKeyCSRF, token)
	// 期限切れで破棄されたセッションのオプションを引き継がない
	session.Options(DefaultCookieOptions(m.secure()))
	if err := session.Save(); err != nil {
		return "", err
	}
	return token, nil
}

// CSRFToken は現在のセッションの CSRF トークンを返します。
func CSRFToken(c *gin.Context) string {
	token, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
	return token
}

// UserFromContext は CurrentUser が解決したユーザーを返します。
func UserFromContext(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

func (m *Manager) expire(session sessions.Session, reason string, userID uint) {
	session.Clear()
	opts := DefaultCookieOptions(m.secure())
	opts.MaxAge = -1
	session.Options(opts)
	if err := session.Save(); err != nil {
		m.logger.Printf("failed to clear session user id=%d: %v", userID, err)
		return
	}
	m.logger.Printf("%s user id=%d", reason, userID)
}

func (m *Manager) applyOptions(session sessions.Session, remember bool) {
	opts := DefaultCookieOptions(m.secure())
	if remember {
		opts.MaxAge = int(m.rememberFor.Seconds())
	}
	session.Options(opts)
}

func (m *Manager) secure() bool {
	return m.cfg != nil && m.cfg.GinMode == gin.ReleaseMode
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUserID(v interface{}) (uint, bool) {
	switch id := v.(type) {
	case uint:
		return id, id != 0
	case uint64:
		return uint(id), id != 0
	case int:
		return uint(id), id > 0
	case int64:
		return uint(id), id > 0
	default:
		return 0, false
	}
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
