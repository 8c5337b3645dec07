package storage

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/yourusername/inkpost/internal/models"
)

// PostStore は投稿の永続化を担います。
type PostStore struct {
	db *gorm.DB
}

// NewPostStore は PostStore を作成します。
func NewPostStore(db *gorm.DB) *PostStore {
	return &PostStore{db: db}
}

// Create は作成者に紐付けて投稿を保存し、採番された ID を返します。
func (s *PostStore) Create(ctx context.Context, title, content string, authorID uint) (uint, error) {
	if strings.TrimSpace(title) == "" || strings.TrimSpace(content) == "" {
		return 0, ErrInvalidPost
	}
	if authorID == 0 {
		return 0, ErrAuthorNotFound
	}

	post := &models.Post{
		Title:   title,
		Content: content,
		UserID:  authorID,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("id = ?", authorID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrAuthorNotFound
		}
		post.DatePosted = tx.NowFunc()
		return tx.Omit("Author").Create(post).Error
	})
	if err != nil {
		if errors.Is(err, ErrAuthorNotFound) || errors.Is(err, gorm.ErrForeignKeyViolated) {
			return 0, ErrAuthorNotFound
		}
		return 0, wrap("create post", err)
	}
	return post.ID, nil
}

// Recent は新しい順に投稿を最大 limit 件返します。作成者も読み込みます。
func (s *PostStore) Recent(ctx context.Context, limit int) ([]models.Post, error) {
	if limit <= 0 {
		limit = 20
	}
	var posts []models.Post
	err := s.db.WithContext(ctx).
		Preload("Author").
		Order("date_posted DESC").
		Order("id DESC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, wrap("list recent posts", err)
	}
	return posts, nil
}

// CountByAuthor は作成者ごとの投稿数を返します。
func (s *PostStore) CountByAuthor(ctx context.Context, authorID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Post{}).Where("user_id = ?", authorID).Count(&count).Error
	if err != nil {
		return 0, wrap("count posts", err)
	}
	return count, nil
}

// Count は全投稿数を返します。
func (s *PostStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Post{}).Count(&count).Error; err != nil {
		return 0, wrap("count posts", err)
	}
	return count, nil
}
