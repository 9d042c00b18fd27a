package minio

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").
			WithPort("9000").
			WithStartupTimeout(30 * time.Second),
	}

	minioContainer, err := testcontainers.GenericContainer(
		ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		},
	)
	if err != nil {
		panic(err)
	}

	host, err := minioContainer.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := minioContainer.MappedPort(ctx, "9000")
	if err != nil {
		panic(err)
	}
	return minioContainer, fmt.Sprintf("%s:%s", host, port.Port())
}

// SetMinioEnv points the storage config at the test container. The bucket is
// created by the client on first use.
func SetMinioEnv(endpoint string) {
	os.Setenv("MINIO_ENDPOINT", endpoint)
	os.Setenv("MINIO_ACCESS_KEY", "minioadmin")
	os.Setenv("MINIO_SECRET_KEY", "minioadmin")
	os.Setenv("MINIO_USE_SSL", "false")
	os.Setenv("MINIO_ARTIFACTS_BUCKET", "artifacts")
}
