package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/spec-kit/account-service/internal/client/api"
	"github.com/spec-kit/account-service/internal/client/session"
	"github.com/spec-kit/account-service/internal/client/storage"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(config.LoggerConfig{Level: "warn"})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	store, err := storage.Open(cfg.Client.StoragePath)
	if err != nil {
		log.Fatalf("failed to open session storage: %v", err)
	}
	defer store.Close()

	client := api.New(cfg.Client.ServerURL, cfg.Client.RequestTimeout(), cfg.Client.ProbeTimeout())
	manager := session.NewManager(client, store, logger)

	ctx := context.Background()
	if restored, _ := manager.RestoreOnStartup(ctx); restored.Authenticated() {
		fmt.Printf("Welcome back, %s\n", restored.User.FullName)
	}

	runREPL(ctx, manager)
}

// stdin is shared between the REPL loop and the field prompts so buffered
// input is never split across two readers.
var stdin = bufio.NewScanner(os.Stdin)

func runREPL(ctx context.Context, manager *session.Manager) {
	for {
		fmt.Printf("account%s> ", statusSuffix(manager))
		if !stdin.Scan() {
			return
		}
		parts := strings.Fields(stdin.Text())
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "help":
			fmt.Println("Commands: login, register, whoami, profile, passwd, logout, exit")

		case "login":
			doLogin(ctx, manager)

		case "register":
			doRegister(ctx, manager)

		case "whoami":
			doWhoami(ctx, manager)

		case "profile":
			doProfile(ctx, manager)

		case "passwd":
			doChangePassword(ctx, manager)

		case "logout":
			manager.Logout()
			fmt.Println("Logged out.")

		case "exit", "quit":
			fmt.Println("Bye!")
			return

		default:
			fmt.Println("Unknown command:", parts[0])
		}
	}
}

func statusSuffix(manager *session.Manager) string {
	current := manager.Current()
	switch current.Mode {
	case session.ModeAuthenticated:
		return " [" + current.User.Email + "]"
	case session.ModeDemo:
		return " [demo]"
	default:
		return ""
	}
}

func doLogin(ctx context.Context, manager *session.Manager) {
	email := prompt("Email: ")
	password, err := promptPassword("Password: ")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	current, err := manager.Login(ctx, email, password)
	if err != nil {
		fmt.Println("Login failed:", err)
		return
	}
	reportSession(current)
}

func doRegister(ctx context.Context, manager *session.Manager) {
	fullName := prompt("Full name: ")
	email := prompt("Email: ")
	phone := prompt("Phone (optional): ")
	password, err := promptPassword("Password: ")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if password != confirm {
		fmt.Println("Passwords do not match.")
		return
	}

	current, err := manager.Register(ctx, fullName, email, phone, password)
	if err != nil {
		fmt.Println("Registration failed:", err)
		return
	}
	reportSession(current)
}

func doWhoami(ctx context.Context, manager *session.Manager) {
	current := manager.Current()
	if current.Mode == session.ModeDemo {
		fmt.Printf("%s <%s> (demo session, not backed by the server)\n", current.User.FullName, current.User.Email)
		return
	}

	user, err := manager.Me(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			fmt.Println("Not logged in.")
		} else {
			fmt.Println("Error:", err)
		}
		return
	}
	fmt.Printf("%s <%s> role=%s\n", user.FullName, user.Email, user.Role)
}

func doProfile(ctx context.Context, manager *session.Manager) {
	fullName := prompt("New full name (blank to keep): ")
	phone := prompt("New phone (blank to keep): ")

	update := [2]*string{}
	if fullName != "" {
		update[0] = &fullName
	}
	if phone != "" {
		update[1] = &phone
	}

	user, err := manager.UpdateProfile(ctx, update[0], update[1])
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			fmt.Println("Log in first.")
		} else {
			fmt.Println("Update failed:", err)
		}
		return
	}
	fmt.Printf("Profile updated: %s\n", user.FullName)
}

func doChangePassword(ctx context.Context, manager *session.Manager) {
	current, err := promptPassword("Current password: ")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	updated, err := promptPassword("New password: ")
	if err != nil {
		fmt.Println("Error:", err)
		return
	}

	if err := manager.ChangePassword(ctx, current, updated); err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			fmt.Println("Log in first.")
		} else {
			fmt.Println("Change failed:", err)
		}
		return
	}
	fmt.Println("Password changed.")
}

func reportSession(current session.Session) {
	switch current.Mode {
	case session.ModeAuthenticated:
		fmt.Printf("Logged in as %s\n", current.User.Email)
	case session.ModeDemo:
		fmt.Println("Server unreachable - running in demo mode. Nothing is saved.")
	}
}

func prompt(label string) string {
	fmt.Print(label)
	if !stdin.Scan() {
		return ""
	}
	return strings.TrimSpace(stdin.Text())
}

func promptPassword(label string) (string, error) {
	fmt.Print(label)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
