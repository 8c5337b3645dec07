package web

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type loginForm struct {
	Email    string `form:"email" binding:"required,email"`
	Password string `form:"password" binding:"required"`
	Remember bool   `form:"remember"`
	Next     string `form:"next"`
}

type postForm struct {
	Title   string `form:"title" binding:"required,max=100"`
	Content string `form:"content" binding:"required"`
}

// normalize は前後の空白を取り除き、空白だけの入力を未入力として扱います。
func (f *postForm) normalize() map[string]string {
	f.Title = strings.TrimSpace(f.Title)
	errs := map[string]string{}
	if f.Title == "" {
		errs["title"] = fieldMessage("required", "")
	}
	if strings.TrimSpace(f.Content) == "" {
		errs["content"] = fieldMessage("required", "")
	}
	return errs
}

// fieldErrors はバインドエラーをフォーム項目名ごとのメッセージに変換します。
func fieldErrors(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs["form"] = "The form could not be read. Please try again."
		return errs
	}
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		if _, exists := errs[name]; exists {
			continue
		}
		errs[name] = fieldMessage(fe.Tag(), fe.Param())
	}
	return errs
}

func fieldMessage(tag, param string) string {
	switch tag {
	case "required":
		return "This field is required."
	case "email":
		return "Invalid email address."
	case "max":
		return fmt.Sprintf("Field cannot be longer than %s characters.", param)
	default:
		return "Invalid value."
	}
}
