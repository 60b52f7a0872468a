package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fireflyops/fireback/internal/archive"
	"github.com/rs/zerolog"
)

// S3Config holds the remote object store connection settings.
// Supports AWS S3, MinIO, Wasabi, and other S3-compatible services.
type S3Config struct {
	Endpoint        string `yaml:"endpoint,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// Validate checks if the configuration is valid.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	if c.AccessKeyID == "" {
		return errors.New("s3: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return errors.New("s3: secret_access_key is required")
	}
	return nil
}

// RemoteStore uploads, lists, downloads and deletes archives in a remote
// S3-compatible bucket under a single flat prefix.
type RemoteStore struct {
	client      *s3.Client
	uploader    *manager.Uploader
	downloader  *manager.Downloader
	cfg         S3Config
	namePrefix  string
	probeWindow time.Duration
	logger      zerolog.Logger
}

// NewRemoteStore builds a remote store from configuration. namePrefix is the
// archive name prefix used to filter bucket listings down to archive objects.
func NewRemoteStore(ctx context.Context, cfg S3Config, namePrefix string, logger zerolog.Logger) (*RemoteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint := cfg.Endpoint
		if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
			endpoint = u.Host
		}
		endpointURL := fmt.Sprintf("%s://%s", scheme, endpoint)
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	return &RemoteStore{
		client:      client,
		uploader:    manager.NewUploader(client),
		downloader:  manager.NewDownloader(client),
		cfg:         cfg,
		namePrefix:  namePrefix,
		probeWindow: 10 * time.Second,
		logger:      logger.With().Str("component", "remote_store").Logger(),
	}, nil
}

// key maps an archive name onto its bucket key. Object names equal archive
// names; the configured prefix is the only nesting.
func (r *RemoteStore) key(name string) string {
	if r.cfg.Prefix == "" {
		return name
	}
	return path.Join(r.cfg.Prefix, name)
}

// Upload stores the file at localPath under the given archive name and
// verifies the stored size matches the local size.
func (r *RemoteStore) Upload(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTransferFailure, localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrTransferFailure, localPath, err)
	}

	r.logger.Info().
		Str("archive", name).
		Int64("size_bytes", info.Size()).
		Msg("uploading archive")

	_, err = r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.key(name)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", ErrTransferFailure, name, err)
	}

	head, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.key(name)),
	})
	if err != nil {
		return fmt.Errorf("%w: verify upload of %s: %v", ErrTransferFailure, name, err)
	}
	if head.ContentLength == nil || *head.ContentLength != info.Size() {
		remote := int64(-1)
		if head.ContentLength != nil {
			remote = *head.ContentLength
		}
		return fmt.Errorf("%w: %s local=%d remote=%d", ErrIntegrityMismatch, name, info.Size(), remote)
	}

	r.logger.Info().Str("archive", name).Msg("upload verified")
	return nil
}

// Download fetches the named archive to localPath. Zero-byte objects are
// rejected and the partial file removed.
func (r *RemoteStore) Download(ctx context.Context, name, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrTransferFailure, localPath, err)
	}

	n, err := r.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.key(name)),
	})
	closeErr := f.Close()
	if err != nil {
		os.Remove(localPath)
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: download %s: %v", ErrTransferFailure, name, err)
	}
	if closeErr != nil {
		os.Remove(localPath)
		return fmt.Errorf("%w: finish %s: %v", ErrTransferFailure, name, closeErr)
	}
	if n == 0 {
		os.Remove(localPath)
		return fmt.Errorf("%w: %s", ErrEmptyObject, name)
	}

	r.logger.Info().
		Str("archive", name).
		Int64("size_bytes", n).
		Msg("archive downloaded")
	return nil
}

// List returns all archive objects sorted oldest-first. Objects that do not
// follow the archive naming scheme are excluded.
func (r *RemoteStore) List(ctx context.Context) ([]Object, error) {
	var objects []Object

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.cfg.Bucket),
		Prefix: aws.String(r.cfg.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list bucket: %v", ErrTransferFailure, err)
		}
		for _, obj := range page.Contents {
			name := path.Base(aws.ToString(obj.Key))
			if !archive.IsArchiveName(name, r.namePrefix) {
				continue
			}
			createdAt, ok := decodeCreatedAt(name)
			if !ok {
				r.logger.Error().Str("object", name).Msg("archive-like object with undecodable timestamp, excluding from listing")
				continue
			}
			objects = append(objects, Object{
				Name:      name,
				SizeBytes: aws.ToInt64(obj.Size),
				CreatedAt: createdAt,
			})
		}
	}

	sortOldestFirst(objects)
	return objects, nil
}

// Delete removes the named archive. Deleting a nonexistent object is not an
// error.
func (r *RemoteStore) Delete(ctx context.Context, name string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(r.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: delete %s: %v", ErrTransferFailure, name, err)
	}
	r.logger.Info().Str("archive", name).Msg("remote archive deleted")
	return nil
}

// IsReachable probes connectivity to the bucket. Used for health checks and
// for degrading to local-only persistence when the remote is down.
func (r *RemoteStore) IsReachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeWindow)
	defer cancel()

	_, err := r.client.HeadBucket(probeCtx, &s3.HeadBucketInput{
		Bucket: aws.String(r.cfg.Bucket),
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("remote store unreachable")
		return false
	}
	return true
}

// isNotFound reports whether err is any flavor of S3 missing-object error.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}
