//go:build integration

package postgres

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

var testPool *pgxpool.Pool

// startContainer runs a throwaway postgres and returns its DSN and id.
func startContainer() (string, string) {
	dbName := "test-db"
	dbUser := "user"
	dbPassword := "password"
	dbPort := "5432"

	cmd := exec.Command("docker", "run", "-d", "--rm",
		"--network", "host",
		"-e", fmt.Sprintf("POSTGRES_DB=%s", dbName),
		"-e", fmt.Sprintf("POSTGRES_USER=%s", dbUser),
		"-e", fmt.Sprintf("POSTGRES_PASSWORD=%s", dbPassword),
		"postgres:14",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		log.Fatalf("could not start postgres container: %v. Is Docker running?", err)
	}
	containerID := strings.TrimSpace(out.String())[:12]
	return fmt.Sprintf("postgres://%s:%s@localhost:%s/%s?sslmode=disable", dbUser, dbPassword, dbPort, dbName), containerID
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	// 1. Use DATABASE_URL when set, otherwise start a container
	connStr := os.Getenv("DATABASE_URL")
	containerID := ""
	if connStr == "" {
		connStr, containerID = startContainer()
	}
	stop := func() {
		if containerID == "" {
			return
		}
		log.Println("Stopping test container...")
		if err := exec.Command("docker", "stop", containerID).Run(); err != nil {
			log.Printf("could not stop postgres container %s: %v", containerID, err)
		}
	}

	// 2. Readiness probe and connection
	var err error
	const maxRetries = 15
	for i := 0; i < maxRetries; i++ {
		testPool, err = Connect(ctx, PoolConfig{DSN: connStr, MaxConns: 20})
		if err == nil {
			break
		}
		log.Printf("Waiting for database to be ready... (attempt %d/%d)", i+1, maxRetries)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		stop()
		log.Fatalf("Unable to connect to test database after multiple retries: %v\n", err)
	}

	// 3. Apply migrations
	if err := Migrate(ctx, testPool); err != nil {
		testPool.Close()
		stop()
		log.Fatalf("could not apply migrations: %s", err)
	}
	log.Println("Test database is ready.")

	// 4. Run tests and capture the exit code
	exitCode := m.Run()

	// 5. Cleanup before exiting
	testPool.Close()
	stop()
	os.Exit(exitCode)
}

func cleanup(t *testing.T) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `
		TRUNCATE
			quota_buckets, payment_audit, payments, subscriptions, plans
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("Failed to clean up database: %v", err)
	}
}
