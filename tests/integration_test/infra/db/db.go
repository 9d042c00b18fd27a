package db

import (
	"context"
	"fmt"
	"os"

	"github.com/ssuji15/synthgen/internal/db"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func SetupContainer(ctx context.Context) (testcontainers.Container, *db.DB, string) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "synthgen",
			"POSTGRES_PASSWORD": "synthgen123",
			"POSTGRES_DB":       "synthgen",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(err)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")

	POSTGRES_URL := fmt.Sprintf(
		"postgres://synthgen:synthgen123@%s:%s/synthgen?sslmode=disable",
		host,
		port.Port(),
	)

	os.Setenv("POSTGRES_URL", POSTGRES_URL)

	d, err := db.New(ctx)
	if err != nil {
		panic(err)
	}
	if err := d.ApplySchema(ctx); err != nil {
		panic(err)
	}
	return container, d, POSTGRES_URL
}
