package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupContainer starts a throwaway redis and returns it with its host:port.
func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(err)
	}

	host, err := redisContainer.Host(ctx)
	if err != nil {
		panic(err)
	}

	port, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		panic(err)
	}

	return redisContainer, fmt.Sprintf("%s:%s", host, port.Port())
}
