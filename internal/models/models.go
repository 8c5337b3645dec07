// Package models はブログのドメインモデル（gorm モデル）を定義します。
package models

import "time"

const (
	// TitleMaxLength は投稿タイトルの最大文字数です。
	TitleMaxLength = 100
	// UsernameMaxLength は表示名の最大文字数です。
	UsernameMaxLength = 20
)

// User はログイン可能なユーザーです。PasswordHash には bcrypt ハッシュのみを保存します。
type User struct {
	ID           uint      `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;size:120;not null"`
	Username     string    `gorm:"uniqueIndex;size:20;not null"`
	PasswordHash string    `gorm:"size:60;not null"`
	Posts        []Post    `gorm:"foreignKey:UserID;constraint:OnDelete:RESTRICT"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Post はユーザーが作成した記事です。必ず 1 人の作成者に紐付きます。
type Post struct {
	ID         uint      `gorm:"primaryKey"`
	Title      string    `gorm:"size:100;not null"`
	Content    string    `gorm:"type:text;not null"`
	DatePosted time.Time `gorm:"index;not null"`
	UserID     uint      `gorm:"index;not null"`
	Author     User      `gorm:"foreignKey:UserID"`
}

// All はマイグレーション対象のモデル一覧です。
func All() []any {
	return []any{&User{}, &Post{}}
}
