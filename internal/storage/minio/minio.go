package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ArtifactBucket = "generated-images"

type Client struct {
	client *minio.Client
}

// NewClient creates a new Minio client and ensures the artifact bucket exists
func NewClient(endpoint, accessKey, secretKey string, useSSL bool) (*Client, error) {
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	client := &Client{client: minioClient}

	if err := client.ensureBucketExists(context.Background(), ArtifactBucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s exists: %w", ArtifactBucket, err)
	}

	log.Printf("Minio client initialized successfully with bucket: %s", ArtifactBucket)
	return client, nil
}

// ensureBucketExists creates a bucket if it doesn't exist
func (c *Client) ensureBucketExists(ctx context.Context, bucketName string) error {
	exists, err := c.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = c.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("Created bucket: %s", bucketName)
	} else {
		log.Printf("Bucket already exists: %s", bucketName)
	}

	return nil
}

// Store uploads artifact bytes under the given object name and returns a
// stable handle ("bucket/object") sufficient to retrieve the artifact later.
func (c *Client) Store(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, ArtifactBucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact: %w", err)
	}

	log.Printf("Successfully uploaded %s to bucket %s", objectName, ArtifactBucket)
	return fmt.Sprintf("%s/%s", ArtifactBucket, objectName), nil
}

// GetFileLink generates a presigned URL for artifact download
func (c *Client) GetFileLink(ctx context.Context, objectName string, expires time.Duration) (string, error) {
	presignedURL, err := c.client.PresignedGetObject(ctx, ArtifactBucket, objectName, expires, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignedURL.String(), nil
}

// DownloadFile downloads an artifact from the bucket
func (c *Client) DownloadFile(ctx context.Context, objectName string) (io.ReadCloser, error) {
	object, err := c.client.GetObject(ctx, ArtifactBucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact: %w", err)
	}

	return object, nil
}
