package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ehr/qualitystars/internal/platform/db"
)

const defaultImage = "postgres:16-alpine"

// pgContainer is a throwaway PostgreSQL started through the Docker CLI.
type pgContainer struct {
	id      string
	connStr string
}

// startPostgresContainer launches the image named by STARS_TEST_PG_IMAGE
// (postgres:16-alpine by default) on a Docker-assigned loopback port and
// blocks until the run store can open a pool against it.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	image := os.Getenv("STARS_TEST_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--label", "stars-integration=1",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=stars",
		"-e", "POSTGRES_PASSWORD=stars",
		"-e", "POSTGRES_DB=stars",
		image,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run %s: %w: %s", image, err, out)
	}
	c := &pgContainer{id: strings.TrimSpace(string(out))}

	addr, err := c.hostAddr(ctx)
	if err != nil {
		c.stop()
		return "", nil, err
	}
	c.connStr = fmt.Sprintf("postgres://stars:stars@%s/stars?sslmode=disable", addr)

	if err := c.waitReady(ctx, 30*time.Second); err != nil {
		c.stop()
		return "", nil, err
	}
	return c.connStr, c.stop, nil
}

// hostAddr reads the published address of the container's 5432/tcp.
func (c *pgContainer) hostAddr(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", c.id, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	// One line per binding, e.g. "127.0.0.1:49153".
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return "", fmt.Errorf("container %s published no port", c.id)
	}
	return line, nil
}

func (c *pgContainer) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	for {
		attempt, done := context.WithTimeout(ctx, 2*time.Second)
		pool, err := db.NewPool(attempt, c.connStr, db.PoolOptions{MaxConns: 1, ApplicationName: "stars-integration-wait"})
		done()
		if err == nil {
			pool.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, lastErr)
		case <-tick.C:
		}
	}
}

func (c *pgContainer) stop() {
	// --rm removes the container once it stops.
	_ = exec.Command("docker", "stop", "-t", "2", c.id).Run()
}
