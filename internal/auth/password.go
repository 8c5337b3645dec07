package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher は一方向のパスワードハッシュと検証を提供します。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// BcryptHasher は bcrypt による PasswordHasher です。
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher は bcrypt.DefaultCost の BcryptHasher を返します。
func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: bcrypt.DefaultCost}
}

// Hash はソルト付きのハッシュを生成します。
func (h *BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return h.HashWithCost(password, cost)
}

// Verify はハッシュと平文を比較します。比較は定数時間で行われます。
func (h *BcryptHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// costAware は保存済みハッシュのコストを読み取り、同じコストでハッシュを作れる PasswordHasher です。
type costAware interface {
	CostOf(hash string) (int, bool)
	HashWithCost(password string, cost int) (string, error)
}

// HashWithCost は指定したコストでハッシュを生成します。
func (h *BcryptHasher) HashWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CostOf は bcrypt ハッシュのコストを返します。
func (h *BcryptHasher) CostOf(hash string) (int, bool) {
	cost, err := bcrypt.Cost([]byte(hash))
	return cost, err == nil
}
