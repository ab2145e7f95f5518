// Package testutil starts throwaway DefraDB containers for integration tests.
package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"

	"github.com/jackzampolin/snapshelf/internal/defra"
	"github.com/jackzampolin/snapshelf/internal/schema"
)

// DockerEnv enables the Docker-backed tests when set to a non-empty value.
const DockerEnv = "SNAPSHELF_DOCKER_TESTS"

// RequireDocker skips t unless DockerEnv is set and the daemon answers.
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() || os.Getenv(DockerEnv) == "" {
		t.Skipf("set %s=1 to run Docker-backed tests", DockerEnv)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker client: %v", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		t.Skipf("docker is not running: %v", err)
	}
}

// DefraClient starts a DefraDB container on a free port with the snapshelf
// schema loaded. The container is removed when the test ends.
func DefraClient(t *testing.T) *defra.Client {
	t.Helper()
	RequireDocker(t)

	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	mgr, err := defra.NewDockerManager(defra.DockerConfig{
		ContainerName: UniqueContainerName(t, "defra"),
		DataPath:      t.TempDir(),
		HostPort:      port,
		ReadyTimeout:  90 * time.Second,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mgr.Remove(ctx); err != nil {
			t.Logf("failed to remove container: %v", err)
		}
		mgr.Close()
	})

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("failed to start DefraDB: %v", err)
	}
	c := defra.NewClient(mgr.URL())
	if err := schema.Initialize(ctx, c, slog.Default()); err != nil {
		t.Fatalf("failed to load schema: %v", err)
	}
	return c
}

// UniqueContainerName returns snapshelf-test-<prefix>-<test>-<random>.
func UniqueContainerName(t *testing.T, prefix string) string {
	t.Helper()
	return fmt.Sprintf("snapshelf-test-%s-%s-%s", prefix, sanitizeName(t.Name()), randString(4))
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return fmt.Sprintf("%d", l.Addr().(*net.TCPAddr).Port), nil
}

func randString(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// sanitizeName keeps a test name within Docker's container name charset.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := b.String()
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
