package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var S3Client *s3.Client
var BucketName string
var Region string
var Endpoint string

// PublicBaseURL is prefixed to object keys to build URLs served by the CDN.
var PublicBaseURL string

// Backend is the object-store surface used by handlers; tests swap it out.
type Backend interface {
	PresignUpload(ctx context.Context, objectKey string, expiration time.Duration) (string, error)
	PresignDownload(ctx context.Context, objectKey string, expiration time.Duration) (string, error)
	Exists(ctx context.Context, objectKey string) (bool, error)
	Delete(ctx context.Context, objectKey string) error
}

var Default Backend = s3Backend{}

func InitStorage() {
	accessKey := os.Getenv("R2_SPACES_ACCESS_KEY")
	secretKey := os.Getenv("R2_SPACES_SECRET_KEY")
	BucketName = os.Getenv("R2_SPACES_BUCKET")
	Region = os.Getenv("R2_SPACES_REGION")
	Endpoint = strings.TrimSuffix(os.Getenv("R2_SPACES_ENDPOINT"), "/")
	PublicBaseURL = strings.TrimSuffix(os.Getenv("MEDIA_PUBLIC_BASE_URL"), "/")

	if accessKey == "" || secretKey == "" || BucketName == "" || Region == "" || Endpoint == "" {
		panic("Missing required Cloudflare R2 environment variables")
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		panic(fmt.Sprintf("Failed to load AWS config: %v", err))
	}

	// Create S3 client with custom endpoint for Cloudflare R2
	S3Client = s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(Endpoint)
		o.UsePathStyle = true
	})

	fmt.Printf("Cloudflare R2 initialized! Endpoint: %s, Region: %s, Bucket: %s\n", Endpoint, Region, BucketName)
}

// PublicURL returns the CDN url of an object key.
func PublicURL(objectKey string) string {
	if PublicBaseURL == "" {
		return objectKey
	}
	return PublicBaseURL + "/" + strings.TrimPrefix(objectKey, "/")
}

type s3Backend struct{}

func (s3Backend) PresignUpload(ctx context.Context, objectKey string, expiration time.Duration) (string, error) {
	if S3Client == nil {
		return "", fmt.Errorf("storage client not initialized. Call InitStorage() first")
	}

	presignClient := s3.NewPresignClient(S3Client)
	request, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(BucketName),
		Key:    aws.String(objectKey),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiration
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return request.URL, nil
}

func (s3Backend) PresignDownload(ctx context.Context, objectKey string, expiration time.Duration) (string, error) {
	if S3Client == nil {
		return "", fmt.Errorf("storage client not initialized. Call InitStorage() first")
	}

	presignClient := s3.NewPresignClient(S3Client)
	request, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(BucketName),
		Key:    aws.String(objectKey),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiration
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return request.URL, nil
}

func (s3Backend) Exists(ctx context.Context, objectKey string) (bool, error) {
	if S3Client == nil {
		return false, fmt.Errorf("storage client not initialized. Call InitStorage() first")
	}

	_, err := S3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(BucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if file exists: %w", err)
	}

	return true, nil
}

// Delete removes an object from R2 storage
func (s3Backend) Delete(ctx context.Context, objectKey string) error {
	if S3Client == nil {
		return fmt.Errorf("storage client not initialized. Call InitStorage() first")
	}
	if objectKey == "" {
		return fmt.Errorf("object key cannot be empty")
	}

	_, err := S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(BucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file %s from bucket %s: %w", objectKey, BucketName, err)
	}

	fmt.Printf("DeleteFile: successfully deleted file from R2 bucket %s: %s\n", BucketName, objectKey)
	return nil
}
