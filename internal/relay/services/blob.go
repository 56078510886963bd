package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sc "github.com/syncwell/recordsync/internal/relay/config"
	"github.com/syncwell/recordsync/internal/relay/repositories/repomanager"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/syncwell/recordsync/internal/common"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// BlobService mints presigned URLs for oversized sealed payloads so blob
// bytes never pass through the relay process. Keys are scope-prefixed; the
// prefix is what download authorization is checked against.
type BlobService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
}

func NewBlobService(db *sql.DB, repomanager repomanager.RepositoryManager, config *sc.Config) *BlobService {
	return &BlobService{
		db:          db,
		repomanager: repomanager,
		config:      config,
	}
}

// NewStorageKey returns a fresh object key under the scope's prefix.
func NewStorageKey(scope string) string {
	return fmt.Sprintf("scopes/%s/%s", scope, uuid.New())
}

// scopeFromKey recovers the owning scope from a storage key.
func scopeFromKey(key string) (string, error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] != "scopes" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("%w: malformed blob key", common.ErrInvalidRequest)
	}
	return parts[1], nil
}

func (s *BlobService) getPresignClient() (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(context.Background(),
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,     // MINIO_ROOT_USER
			s.config.S3RootPassword, // MINIO_ROOT_PASSWORD
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
	})

	return newS3PresignClient(client), nil
}

// UploadURL mints a presigned PUT for a fresh key in the caller's own scope.
// Like push, upload always targets the caller's scope; delegates read.
func (s *BlobService) UploadURL(ctx context.Context, accountID string) (string, string, error) {

	presignClient, err := s.getPresignClient()
	if err != nil {
		return "", "", err
	}

	bucket := s.config.S3Bucket
	key := NewStorageKey(accountID)

	// Presigned PUT
	req, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(15*time.Minute))

	if err != nil {
		return "", "", err
	}

	return key, req.URL, nil
}

// DownloadURL checks the key's scope against the caller's grants and mints a
// presigned GET.
func (s *BlobService) DownloadURL(ctx context.Context, accountID, blobKey string) (string, error) {

	scope, err := scopeFromKey(blobKey)
	if err != nil {
		return "", err
	}
	if err := authorizeScopeRead(ctx, s.repomanager.Grants(s.db), accountID, scope); err != nil {
		return "", err
	}

	presignClient, err := s.getPresignClient()
	if err != nil {
		return "", err
	}

	bucket := s.config.S3Bucket

	// Presigned GET
	req, err := presignGetObject(presignClient, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &blobKey,
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", err
	}

	return req.URL, nil
}
