// Package auth は認証・セッション管理・ログイン試行制限を提供します。
package auth

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/yourusername/inkpost/internal/models"
	"github.com/yourusername/inkpost/internal/storage"
)

// ErrInvalidCredentials は未登録のメールアドレスとパスワード誤りの両方を表します。
// 呼び出し側から両者を区別できないよう、同じ値を返します。
var ErrInvalidCredentials = errors.New("invalid email or password")

// CredentialStore はメールアドレスでユーザーを引く認証情報ストアです。
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

// Authenticator は送信された認証情報を検証します。
type Authenticator struct {
	users  CredentialStore
	hasher PasswordHasher

	// dummy は未登録のメールアドレスでも照合コストを揃えるためのハッシュです。
	dummy atomic.Pointer[string]
}

const dummyPassword = "inkpost-dummy-password"

// NewAuthenticator は Authenticator を作成します。hasher が nil の場合は bcrypt を使います。
func NewAuthenticator(users CredentialStore, hasher PasswordHasher) *Authenticator {
	if hasher == nil {
		hasher = NewBcryptHasher()
	}
	a := &Authenticator{users: users, hasher: hasher}
	if dummy, err := hasher.Hash(dummyPassword); err == nil {
		a.dummy.Store(&dummy)
	}
	return a
}

// MatchHashCost は storedHash のコストが未登録ユーザー用のハッシュより高ければ、同じコストで作り直します。
// 起動時に既存ユーザーのハッシュを渡しておくと、最初のログインから照合時間が揃います。
func (a *Authenticator) MatchHashCost(storedHash string) {
	h, ok := a.hasher.(costAware)
	if !ok {
		return
	}
	want, ok := h.CostOf(storedHash)
	if !ok {
		return
	}
	if have, ok := h.CostOf(a.dummyHash()); ok && have >= want {
		return
	}
	dummy, err := h.HashWithCost(dummyPassword, want)
	if err != nil {
		return
	}
	a.dummy.Store(&dummy)
}

func (a *Authenticator) dummyHash() string {
	if p := a.dummy.Load(); p != nil {
		return *p
	}
	return ""
}

// Authenticate はメールアドレスとパスワードを検証し、一致したユーザーを返します。
// ストレージ障害は ErrInvalidCredentials にまとめず *storage.Error のまま返します。
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := a.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// 未登録でも照合コストを揃える
			a.hasher.Verify(a.dummyHash(), password)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	a.MatchHashCost(user.PasswordHash)
	if !a.hasher.Verify(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
