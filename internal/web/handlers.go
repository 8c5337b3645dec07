package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/inkpost/internal/auth"
	"github.com/yourusername/inkpost/internal/models"
	"github.com/yourusername/inkpost/internal/storage"
)

const (
	msgLoginFailed   = "Login Unsuccessful. Please check email and password"
	msgLoginLocked   = "Too many failed login attempts. Please try again later."
	msgLoginDown     = "Login is temporarily unavailable. Please try again."
	msgPostCreated   = "Your post has been created!"
	msgPostFailed    = "Your post could not be saved. Please try again."
	msgPostsDown     = "Posts could not be loaded right now."
	msgLoggedOut     = "You have been logged out."
	msgPageNotFound  = "The page you were looking for does not exist."
	recentPostsLimit = 20
)

// Authenticator は送信された認証情報を検証します。
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
}

// PostRepository は投稿の作成と一覧を提供します。
type PostRepository interface {
	Create(ctx context.Context, title, content string, authorID uint) (uint, error)
	Recent(ctx context.Context, limit int) ([]models.Post, error)
}

// HomeHandler は GET / と GET /home のハンドラーです。
func HomeHandler(posts PostRepository, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		recent, err := posts.Recent(c.Request.Context(), recentPostsLimit)
		if err != nil {
			logger.Printf("[%s] failed to load posts: %v", requestID(c), err)
			addFlash(c, flashDanger, msgPostsDown)
		}
		renderPage(c, http.StatusOK, pageHome, page{Posts: recent})
	}
}

// LoginPageHandler は GET /login のハンドラーです。
func LoginPageHandler(sessionManager *auth.Manager, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := auth.UserFromContext(c); ok {
			c.Redirect(http.StatusFound, "/")
			return
		}
		if _, err := sessionManager.IssueCSRFToken(c); err != nil {
			logger.Printf("[%s] failed to issue csrf token: %v", requestID(c), err)
			renderError(c, http.StatusInternalServerError, msgLoginDown)
			return
		}
		renderLogin(c, http.StatusOK, loginForm{}, nil, auth.SafeNext(c.Query("next")))
	}
}

// LoginSubmitHandler は POST /login のハンドラーです。
func LoginSubmitHandler(authn Authenticator, sessionManager *auth.Manager, attempts auth.AttemptStore, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := auth.UserFromContext(c); ok {
			c.Redirect(http.StatusSeeOther, "/")
			return
		}

		var form loginForm
		bindErr := c.ShouldBind(&form)
		next := auth.SafeNext(form.Next)
		if next == "" {
			next = auth.SafeNext(c.Query("next"))
		}
		password := form.Password
		form.Password = ""
		if bindErr != nil {
			renderLogin(c, http.StatusOK, form, fieldErrors(bindErr), next)
			return
		}

		ctx := c.Request.Context()
		ip := c.ClientIP()
		retryAfter, err := attempts.LockedFor(ctx, ip)
		if err != nil {
			logger.Printf("[%s] failed to read login attempts ip=%s: %v", requestID(c), ip, err)
		}
		if retryAfter > 0 {
			// Retry-After は秒数で返す
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			addFlash(c, flashDanger, msgLoginLocked)
			renderLogin(c, http.StatusTooManyRequests, form, nil, next)
			return
		}

		user, err := authn.Authenticate(ctx, form.Email, password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				if _, err := attempts.RecordFailure(ctx, ip); err != nil {
					logger.Printf("[%s] failed to record login attempt ip=%s: %v", requestID(c), ip, err)
				}
				addFlash(c, flashDanger, msgLoginFailed)
				renderLogin(c, http.StatusOK, form, nil, next)
				return
			}
			logger.Printf("[%s] login failed: %v", requestID(c), err)
			addFlash(c, flashDanger, msgLoginDown)
			renderLogin(c, http.StatusServiceUnavailable, form, nil, next)
			return
		}

		if err := attempts.Reset(ctx, ip); err != nil {
			logger.Printf("[%s] failed to reset login attempts ip=%s: %v", requestID(c), ip, err)
		}
		if _, err := sessionManager.Establish(c, user, form.Remember); err != nil {
			logger.Printf("[%s] failed to establish session user id=%d: %v", requestID(c), user.ID, err)
			renderError(c, http.StatusInternalServerError, msgLoginDown)
			return
		}

		if next == "" {
			next = "/"
		}
		c.Redirect(http.StatusSeeOther, next)
	}
}

func renderLogin(c *gin.Context, status int, form loginForm, errs map[string]string, next string) {
	renderPage(c, status, pageLogin, page{
		Title:  "Login",
		Form:   form,
		Errors: errs,
		Next:   next,
	})
}

// NewPostPageHandler は GET /post/new のハンドラーです。
func NewPostPageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		renderNewPost(c, http.StatusOK, postForm{}, nil)
	}
}

// NewPostSubmitHandler は POST /post/new のハンドラーです。RequireLogin の後に置いてください。
func NewPostSubmitHandler(posts PostRepository, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := auth.UserFromContext(c)
		if !ok {
			c.Redirect(http.StatusFound, auth.LoginURL(c.Request.URL.RequestURI()))
			return
		}

		var form postForm
		if err := c.ShouldBind(&form); err != nil {
			renderNewPost(c, http.StatusOK, form, fieldErrors(err))
			return
		}
		if errs := form.normalize(); len(errs) > 0 {
			renderNewPost(c, http.StatusOK, form, errs)
			return
		}

		id, err := posts.Create(c.Request.Context(), form.Title, form.Content, user.ID)
		if err != nil {
			logger.Printf("[%s] failed to create post user id=%d retryable=%t: %v", requestID(c), user.ID, isRetryable(err), err)
			addFlash(c, flashDanger, msgPostFailed)
			renderNewPost(c, http.StatusInternalServerError, form, nil)
			return
		}

		logger.Printf("[%s] post created id=%d user id=%d", requestID(c), id, user.ID)
		addFlash(c, flashSuccess, msgPostCreated)
		c.Redirect(http.StatusSeeOther, "/")
	}
}

func isRetryable(err error) bool {
	var storageErr *storage.Error
	return errors.As(err, &storageErr) && storageErr.Retryable()
}

func renderNewPost(c *gin.Context, status int, form postForm, errs map[string]string) {
	renderPage(c, status, pageCreatePost, page{
		Title:  "New Post",
		Legend: "New Post",
		Form:   form,
		Errors: errs,
	})
}

// LogoutHandler は POST /logout のハンドラーです。
func LogoutHandler(sessionManager *auth.Manager, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := sessionManager.Logout(c); err != nil {
			logger.Printf("[%s] failed to clear session: %v", requestID(c), err)
			renderError(c, http.StatusInternalServerError, "Logout failed. Please try again.")
			return
		}
		addFlash(c, flashInfo, msgLoggedOut)
		c.Redirect(http.StatusSeeOther, "/")
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "inkpost",
	})
}

func handleNotFound(c *gin.Context) {
	renderError(c, http.StatusNotFound, msgPageNotFound)
}
