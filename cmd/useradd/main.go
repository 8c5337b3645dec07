// Package main はユーザーを登録するコマンドです。登録画面は存在しないため、
// アカウントはこのコマンドか APP_USER_* の起動時シードで作成します。
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/yourusername/inkpost/internal/auth"
	"github.com/yourusername/inkpost/internal/config"
	"github.com/yourusername/inkpost/internal/storage"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		log.Fatalf("useradd: %v", err)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("useradd", flag.ContinueOnError)
	email := fs.String("email", "", "login email address (required)")
	username := fs.String("username", "", "display name (defaults to the email local part)")
	hashOnly := fs.Bool("hash-only", false, "print the bcrypt hash for APP_PASSWORD_HASH instead of creating a user")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// パスワードはコマンドライン履歴に残らないよう標準入力から読む
	password, err := readPassword(stdin)
	if err != nil {
		return err
	}
	hash, err := auth.NewBcryptHasher().Hash(password)
	if err != nil {
		return err
	}
	if *hashOnly {
		_, err := fmt.Fprintln(stdout, hash)
		return err
	}

	if strings.TrimSpace(*email) == "" {
		return errors.New("-email is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := storage.Open(cfg.DatabaseURL, storage.Options{Logger: log.Default()})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := storage.Close(db); err != nil {
			log.Printf("Failed to close database: %v", err)
		}
	}()

	name := *username
	if name == "" {
		name = storage.DefaultUsername(*email)
	}
	user, err := storage.NewUserStore(db).Create(context.Background(), *email, name, hash)
	switch {
	case errors.Is(err, storage.ErrDuplicateEmail):
		return fmt.Errorf("a user with email %q already exists", *email)
	case errors.Is(err, storage.ErrDuplicateUsername):
		return fmt.Errorf("username %q is already taken; choose another with -username", name)
	case err != nil:
		return err
	}
	_, err = fmt.Fprintf(stdout, "created user id=%d email=%s username=%s\n", user.ID, user.Email, user.Username)
	return err
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password must be provided on stdin")
	}
	return password, nil
}
