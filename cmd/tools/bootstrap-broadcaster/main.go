// Command bootstrap-broadcaster seeds or updates a broadcaster account in the
// datastore and prints its broadcast credential for the ingestion engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"streamhub/internal/models"
	"streamhub/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		email       string
		displayName string
		password    string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (streamhub.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&email, "email", "", "Email address for the broadcaster account")
	flag.StringVar(&displayName, "name", "Broadcaster", "Display name for the broadcaster account")
	flag.StringVar(&password, "password", "", "Password for the broadcaster account")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}
	if strings.TrimSpace(displayName) == "" {
		fatalf("--name cannot be empty")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)

	account, created, err := bootstrapBroadcaster(repo, email, displayName, password)
	if err != nil {
		fatalf("bootstrap broadcaster: %v", err)
	}

	state := "updated"
	if created {
		state = "created"
	}
	fmt.Printf("Broadcaster account %s (%s) %s successfully.\n", account.Email, account.DisplayName, state)
	fmt.Printf("Broadcast credential: %s\n", account.BroadcastCredential)
	fmt.Println("Remember to rotate this password after the first login.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewStorage(jsonPath)
	}
	if err := storage.EnsureSchema(context.Background(), postgresDSN); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return storage.NewPostgresRepository(postgresDSN)
}

func closeRepository(repo storage.Repository) {
	if c, ok := repo.(storage.Closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}

func bootstrapBroadcaster(repo storage.Repository, email, displayName, password string) (models.Account, bool, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if existing, ok := repo.FindAccountByEmail(normalizedEmail); ok {
		return updateBroadcaster(repo, existing, displayName, password)
	}

	account, err := repo.CreateAccount(storage.CreateAccountParams{
		DisplayName: displayName,
		Email:       normalizedEmail,
		Password:    password,
		Broadcaster: true,
	})
	if err != nil {
		return models.Account{}, false, err
	}
	return account, true, nil
}

func updateBroadcaster(repo storage.Repository, existing models.Account, displayName, password string) (models.Account, bool, error) {
	var update storage.AccountUpdate
	if existing.DisplayName != displayName {
		update.DisplayName = &displayName
	}
	if !existing.Broadcaster {
		broadcaster := true
		update.Broadcaster = &broadcaster
	}

	updated := existing
	var err error
	if update.DisplayName != nil || update.Broadcaster != nil {
		updated, err = repo.UpdateAccount(existing.ID, update)
		if err != nil {
			return models.Account{}, false, err
		}
	}

	updated, err = repo.SetAccountPassword(existing.ID, password)
	if err != nil {
		return models.Account{}, false, err
	}
	return updated, false, nil
}
