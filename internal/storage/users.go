package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/yourusername/inkpost/internal/models"
)

// UserStore はユーザー（認証情報）の永続化を担います。
type UserStore struct {
	db *gorm.DB
}

// NewUserStore は UserStore を作成します。
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// FindByEmail はメールアドレスの完全一致でユーザーを 1 件取得します。
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrap("find user by email", err)
	}
	return &user, nil
}

// FindByID は ID でユーザーを取得します。
func (s *UserStore) FindByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Take(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrap("find user by id", err)
	}
	return &user, nil
}

// Create はユーザーを作成します。passwordHash はハッシュ済みの値を渡してください。
// 一意制約に違反した場合は ErrDuplicateEmail か ErrDuplicateUsername を返します。
func (s *UserStore) Create(ctx context.Context, email, username, passwordHash string) (*models.User, error) {
	user := &models.User{
		Email:        strings.TrimSpace(email),
		Username:     strings.TrimSpace(username),
		PasswordHash: passwordHash,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, s.duplicateCause(ctx, user.Email, err)
		}
		return nil, wrap("create user", err)
	}
	return user, nil
}

// duplicateCause は一意制約違反がメールアドレスと表示名のどちらによるものかを判定します。
// ドライバーごとに制約名の形式が異なるため、メールアドレスを引き直して判断します。
func (s *UserStore) duplicateCause(ctx context.Context, email string, cause error) error {
	_, err := s.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return ErrDuplicateEmail
	case errors.Is(err, ErrNotFound):
		return ErrDuplicateUsername
	default:
		return wrap("create user", cause)
	}
}

// EnsureUser はメールアドレスのユーザーが存在しなければ作成します。
// 作成した場合は true を返します。username が空の場合はメールアドレスのローカル部を使い、
// 既存の表示名と重複すれば連番を付けます。
func (s *UserStore) EnsureUser(ctx context.Context, email, username, passwordHash string) (bool, error) {
	_, err := s.FindByEmail(ctx, strings.TrimSpace(email))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if username != "" {
		if _, err := s.Create(ctx, email, username, passwordHash); err != nil {
			return false, err
		}
		return true, nil
	}

	base := DefaultUsername(email)
	for n := 1; n <= maxUsernameSuffix; n++ {
		candidate := base
		if n > 1 {
			suffix := strconv.Itoa(n)
			candidate = truncateRunes(base, models.UsernameMaxLength-len(suffix)) + suffix
		}
		_, err := s.Create(ctx, email, candidate, passwordHash)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrDuplicateUsername) {
			return false, err
		}
	}
	return false, fmt.Errorf("no free username for %s: %w", email, ErrDuplicateUsername)
}

const maxUsernameSuffix = 20

// DefaultUsername はメールアドレスのローカル部から表示名を作ります。
func DefaultUsername(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	return truncateRunes(local, models.UsernameMaxLength)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
