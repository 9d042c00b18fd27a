package minio

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ssuji15/synthgen/internal/config"
	"github.com/ssuji15/synthgen/internal/storage"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
)

type MinioClient struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

var (
	m         *MinioClient
	once      sync.Once
	initError error
)

// NewMinioClient returns the shared artifact store, creating the bucket when
// it does not exist yet.
func NewMinioClient(ctx context.Context) (storage.Storage, error) {
	once.Do(func() {
		cfg, err := config.GetMinioConfig()
		if err != nil {
			initError = err
			return
		}

		transport := &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableCompression:    true,
		}

		cli, err := minio.New(cfg.URL, &minio.Options{
			Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
			Secure:    cfg.USE_SSL,
			Transport: transport,
		})
		if err != nil {
			initError = err
			return
		}

		if err := ensureBucket(ctx, cli, cfg.ARTIFACTS_BUCKET); err != nil {
			initError = err
			return
		}
		m = &MinioClient{client: cli, bucket: cfg.ARTIFACTS_BUCKET, transport: transport}
	})
	if initError != nil {
		return nil, initError
	}
	return m, nil
}

func ensureBucket(ctx context.Context, cli *minio.Client, bucket string) error {
	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func (c *MinioClient) Upload(ctx context.Context, objectPath string, data []byte) error {
	ctx, span := tracer.GetTracer().Start(ctx, "MinIO/Upload")
	defer span.End()

	_, err := c.client.PutObject(ctx, c.bucket, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/html; charset=utf-8"})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (c *MinioClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "MinIO/Download")
	defer span.End()

	object, err := c.client.GetObject(ctx, c.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	if _, err := object.Stat(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (c *MinioClient) ShutDown(ctx context.Context) {
	c.transport.CloseIdleConnections()
}
