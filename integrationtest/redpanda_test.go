// Package integrationtest runs the correlator against a Redpanda container.
package integrationtest

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redpandaImage = "docker.redpanda.com/redpandadata/redpanda:latest"

// startRedpanda starts a single node broker and returns its bootstrap
// address. The container is terminated when the test ends.
func startRedpanda(t *testing.T) []string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping broker test in short mode")
	}

	ctx := context.Background()
	port, err := freePort()
	assert.NoError(t, err)

	req := testcontainers.ContainerRequest{
		Image:      redpandaImage,
		WaitingFor: wait.ForLog("Successfully started Redpanda!"),
		User:       "root:root",
		Cmd: []string{
			"redpanda",
			"start",
			"--mode", "dev-container",
			"--smp", "1",
			"--node-id", "0",
			"--kafka-addr", fmt.Sprintf("OUTSIDE://0.0.0.0:%d", port),
			"--advertise-kafka-addr", fmt.Sprintf("OUTSIDE://localhost:%d", port),
		},
		ExposedPorts: []string{fmt.Sprintf("%d:%d/tcp", port, port)},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	assert.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	assert.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%d/tcp", port)))
	assert.NoError(t, err)

	return []string{fmt.Sprintf("%s:%d", host, mapped.Int())}
}

// freePort asks the kernel for a free open port that is ready to use.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
