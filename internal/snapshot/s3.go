package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"efv-go/internal/config"
	"efv-go/internal/efv"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	manager.UploadAPIClient
	manager.DownloadAPIClient
	manager.HeadBucketAPIClient
}

// S3Store keeps snapshots as objects under
//
//	<prefix>/<vaultID>/<name>.db
//	<prefix>/<vaultID>/<name>.version
type S3Store struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ efv.SnapshotStore = (*S3Store)(nil)

// NewS3Store creates a store over an existing client.
func NewS3Store(client S3API, bucket, prefix string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 snapshot store requires s3_bucket to be set")
	}
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// NewS3StoreFromConfig builds an S3 client from the [snapshot] section and
// the default AWS configuration chain.
func NewS3StoreFromConfig(ctx context.Context, cfg config.SnapshotConfig) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 snapshot store requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" || cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, cfg.S3Bucket, cfg.S3Prefix)
}

func (s *S3Store) key(vaultID, name, ext string) (string, error) {
	if err := validName(vaultID); err != nil {
		return "", err
	}
	if err := validName(name); err != nil {
		return "", err
	}
	return path.Join(s.prefix, vaultID, name+ext), nil
}

func (s *S3Store) PutSnapshot(ctx context.Context, vaultID, name string, r io.Reader, size int64, version int64) error {
	dbKey, err := s.key(vaultID, name, ".db")
	if err != nil {
		return err
	}
	versionKey, _ := s.key(vaultID, name, ".version")

	counted := &countingReader{r: r}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(dbKey),
		Body:   counted,
	})
	if err != nil {
		return fmt.Errorf("uploading snapshot %s: %w", dbKey, err)
	}
	if counted.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, counted.n)
	}

	// The version object is written last so a reader never sees a version
	// ahead of its snapshot.
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(versionKey),
		Body:   bytes.NewReader([]byte(strconv.FormatInt(version, 10))),
	})
	if err != nil {
		return fmt.Errorf("writing snapshot version %s: %w", versionKey, err)
	}
	return nil
}

func (s *S3Store) GetSnapshot(ctx context.Context, vaultID, name string, w io.Writer) error {
	dbKey, err := s.key(vaultID, name, ".db")
	if err != nil {
		return err
	}
	body, err := s.get(ctx, dbKey)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("snapshot %s/%s: %w", vaultID, name, efv.ErrNotFound)
		}
		return err
	}
	defer body.Close()

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("reading snapshot %s: %w", dbKey, err)
	}
	return nil
}

func (s *S3Store) GetSnapshotVersion(ctx context.Context, vaultID, name string) (int64, error) {
	versionKey, err := s.key(vaultID, name, ".version")
	if err != nil {
		return 0, err
	}
	body, err := s.get(ctx, versionKey)
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 64))
	if err != nil {
		return 0, fmt.Errorf("reading snapshot version %s: %w", versionKey, err)
	}
	return parseVersion(data)
}

// ValidateSetup checks the bucket exists and is reachable.
func (s *S3Store) ValidateSetup(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return out.Body, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
