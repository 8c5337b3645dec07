package web

import (
	"embed"
	"encoding/gob"
	"fmt"
	"html/template"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"

	"github.com/yourusername/inkpost/internal/auth"
	"github.com/yourusername/inkpost/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	pageHome       = "home"
	pageLogin      = "login"
	pageCreatePost = "create_post"
	pageError      = "error"
)

var pageNames = []string{pageHome, pageLogin, pageCreatePost, pageError}

// フラッシュメッセージのカテゴリ（表示順）
const (
	flashSuccess = "success"
	flashInfo    = "info"
	flashDanger  = "danger"
)

var flashCategories = []string{flashDanger, flashSuccess, flashInfo}

type flash struct {
	Category string
	Message  string
}

// page はテンプレートに渡す共通データです。
type page struct {
	Title     string
	User      *models.User
	CSRFToken string
	Flashes   []flash

	Posts  []models.Post
	Form   any
	Errors map[string]string
	Next   string
	Legend string

	Status  int
	Message string
}

// htmlRender は layout.html と各ページを組み合わせた gin の HTMLRender です。
type htmlRender struct {
	pages map[string]*template.Template
}

func newHTMLRender() (*htmlRender, error) {
	funcs := template.FuncMap{
		"date": func(t time.Time) string {
			return t.Format("2006-01-02")
		},
	}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[name] = t
	}
	return &htmlRender{pages: pages}, nil
}

func (r *htmlRender) Instance(name string, data any) render.Render {
	return render.HTML{
		Template: r.pages[name],
		Name:     "layout",
		Data:     data,
	}
}

// addFlash は次に描画されるページで一度だけ表示するメッセージを登録します。
func addFlash(c *gin.Context, category, message string) {
	session := sessions.Default(c)
	session.AddFlash(message, flashKey(category))
	if err := session.Save(); err != nil {
		_ = c.Error(err)
	}
}

func popFlashes(c *gin.Context) []flash {
	session := sessions.Default(c)
	var out []flash
	for _, category := range flashCategories {
		for _, v := range session.Flashes(flashKey(category)) {
			if msg, ok := v.(string); ok {
				out = append(out, flash{Category: category, Message: msg})
			}
		}
	}
	if len(out) > 0 {
		if err := session.Save(); err != nil {
			_ = c.Error(err)
		}
	}
	return out
}

func init() {
	// フラッシュはクッキーへ gob で []interface{} として保存される
	gob.Register([]interface{}{})
}

func flashKey(category string) string {
	return "_flash_" + category
}

// renderPage はログイン状態・CSRF トークン・フラッシュを埋めてページを描画します。
func renderPage(c *gin.Context, status int, name string, p page) {
	if user, ok := auth.UserFromContext(c); ok {
		p.User = user
	}
	p.CSRFToken = auth.CSRFToken(c)
	p.Flashes = popFlashes(c)
	if p.Errors == nil {
		p.Errors = map[string]string{}
	}
	c.HTML(status, name, p)
}

func renderError(c *gin.Context, status int, message string) {
	renderPage(c, status, pageError, page{
		Title:   fmt.Sprintf("%d", status),
		Status:  status,
		Message: message,
	})
}
