package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgImage    = "postgres:16-alpine"
	pgUser     = "orderflow"
	pgPassword = "orderflow"
	pgDatabase = "orderflow_test"
)

// startPostgresContainer runs a throwaway Postgres through the docker CLI,
// publishing 5432 on an ephemeral loopback port. It returns the connection
// URL and a function that removes the container.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, fmt.Errorf("docker not available: %w", err)
	}

	name := "orderflow-it-" + uuid.NewString()[:8]
	if out, err := docker(ctx, "run", "-d", "--rm", "--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER="+pgUser,
		"-e", "POSTGRES_PASSWORD="+pgPassword,
		"-e", "POSTGRES_DB="+pgDatabase,
		pgImage,
	); err != nil {
		return "", nil, fmt.Errorf("docker run: %w: %s", err, out)
	}
	stop := func() { _, _ = docker(context.Background(), "rm", "-f", name) }

	// "docker port" prints e.g. 127.0.0.1:49153
	hostPort, err := docker(ctx, "port", name, "5432/tcp")
	if err != nil {
		stop()
		return "", nil, fmt.Errorf("docker port: %w: %s", err, hostPort)
	}
	hostPort = strings.TrimSpace(strings.SplitN(hostPort, "\n", 2)[0])

	url := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
	if err := awaitPostgres(ctx, name, url, 45*time.Second); err != nil {
		stop()
		return "", nil, err
	}
	return url, stop, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// awaitPostgres polls pg_isready inside the container, then confirms the
// published port answers a ping. The image restarts the server once after
// initdb, so the first ready signal is not enough on its own.
func awaitPostgres(ctx context.Context, container, url string, within time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	var lastErr error
	for {
		if _, err := docker(ctx, "exec", container, "pg_isready", "-U", pgUser, "-d", pgDatabase); err == nil {
			if lastErr = ping(ctx, url); lastErr == nil {
				return nil
			}
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %v", within, lastErr)
		case <-tick.C:
		}
	}
}

func ping(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return err
	}
	defer pool.Close()
	return pool.Ping(ctx)
}
