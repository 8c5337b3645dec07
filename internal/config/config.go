// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultSecretKey は SECRET_KEY 未設定時に使われる安全ではない既定値です。
const DefaultSecretKey = "you-will-never-guess"

// DefaultDatabaseURL は DATABASE_URL 未設定時のローカルファイル DB です。
const DefaultDatabaseURL = "sqlite:///site.db"

// MailConfig はパスワードリセット機能用に予約されたメール設定です（未使用）。
type MailConfig struct {
	Server   string
	Port     int
	UseTLS   bool
	Username string
	Password string
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// セッション設定
	SecretKey    string // セッション署名用の秘密鍵
	RememberDays int    // 「ログイン状態を保持」時のクッキー有効日数

	// データベース設定
	DatabaseURL string // sqlite:///path もしくは postgres://...

	// メール設定（予約のみ）
	Mail MailConfig

	// サーバー設定
	Port    string // HTTPサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// X-Forwarded-For を信頼するプロキシ（IP または CIDR）。空ならどのプロキシも信頼しない
	TrustedProxies []string

	// ログイン試行制限
	LoginThrottleRedisURL string // 空ならメモリ上で管理

	// 初期ユーザー（存在しない場合のみ起動時に作成）
	SeedUserEmail    string
	SeedUsername     string
	SeedPasswordHash string // bcryptでハッシュ化されたパスワード
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		SecretKey:    getEnv("SECRET_KEY", DefaultSecretKey),
		RememberDays: getEnvAsInt("REMEMBER_DAYS", 365),

		DatabaseURL: getEnv("DATABASE_URL", DefaultDatabaseURL),

		Mail: MailConfig{
			Server:   getEnv("MAIL_SERVER", "smtp.googlemail.com"),
			Port:     getEnvAsInt("MAIL_PORT", 587),
			UseTLS:   getEnvAsBool("MAIL_USE_TLS", true),
			Username: getEnv("MAIL_USERNAME", ""),
			Password: getEnv("MAIL_PASSWORD", ""),
		},

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:8080"),
		TrustedProxies:     getEnvAsList("TRUSTED_PROXIES"),

		LoginThrottleRedisURL: getEnv("LOGIN_THROTTLE_REDIS_URL", ""),

		SeedUserEmail:    strings.TrimSpace(getEnv("APP_USER_EMAIL", "")),
		SeedUsername:     strings.TrimSpace(getEnv("APP_USERNAME", "")),
		SeedPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must not be empty")
	}
	if c.RememberDays <= 0 {
		return fmt.Errorf("REMEMBER_DAYS must be positive, got %d", c.RememberDays)
	}
	if c.SeedUserEmail != "" && c.SeedPasswordHash == "" {
		return fmt.Errorf("APP_PASSWORD_HASH is required when APP_USER_EMAIL is set")
	}

	// ローカル開発では既定の秘密鍵も許容する
	if c.GinMode == "release" {
		if c.SecretKey == "" || c.UsesDefaultSecret() {
			return fmt.Errorf("SECRET_KEY is required in release mode")
		}
	}

	return nil
}

// UsesDefaultSecret は安全ではない既定の秘密鍵が使われているかを返します。
func (c *Config) UsesDefaultSecret() bool {
	return c.SecretKey == DefaultSecretKey
}

// HasSeedUser は初期ユーザーの設定があるかを返します。
func (c *Config) HasSeedUser() bool {
	return c.SeedUserEmail != "" && c.SeedPasswordHash != ""
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を空要素を除いたスライスとして取得します。
func getEnvAsList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
