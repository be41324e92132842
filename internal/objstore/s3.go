package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// multipartPartSize is both the multipart threshold and part size.
const multipartPartSize = 5 * 1024 * 1024

// S3Config carries the S3 backend settings. Endpoint is empty for AWS
// proper and set for MinIO/R2-style compatible stores.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKeyID    string
	SecretKey      string
	ForcePathStyle bool
	SSE            string // "", "AES256", or "aws:kms"
	SSEKMSKeyID    string
	StorageClass   string
}

// S3 stores objects in an S3-compatible bucket.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	cfg      S3Config
	logger   *slog.Logger
}

// NewS3 builds the client. Explicit credentials take precedence; otherwise
// the default AWS credential chain applies (env, shared config, IAM role).
func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objstore: s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(3),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = multipartPartSize
		}),
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Put streams body into the bucket. The uploader switches to multipart
// automatically past the part size threshold.
func (s *S3) Put(ctx context.Context, key string, body io.Reader, contentType string) (UploadResult, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	s.applyEncryption(in)
	if s.cfg.StorageClass != "" {
		in.StorageClass = types.StorageClass(s.cfg.StorageClass)
	}

	if _, err := s.uploader.Upload(ctx, in); err != nil {
		return UploadResult{}, fmt.Errorf("objstore: upload %s: %w", key, err)
	}

	head, err := s.HeadObject(ctx, key)
	if err != nil {
		return UploadResult{}, err
	}
	var size int64
	if head != nil {
		size = head.Size
	}

	url, err := s.SignedURL(ctx, key, SignOptions{ExpiresIn: time.Hour})
	if err != nil {
		return UploadResult{}, err
	}
	return UploadResult{Key: key, URL: url, Size: size, ContentType: contentType}, nil
}

func (s *S3) applyEncryption(in *s3.PutObjectInput) {
	switch s.cfg.SSE {
	case "AES256":
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if s.cfg.SSEKMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(s.cfg.SSEKMSKeyID)
		}
	}
}

func (s *S3) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("objstore: get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("objstore: get %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("objstore: head %s: %w", key, err)
	}
	info := &ObjectInfo{Key: key, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func (s *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objstore: delete %s: %w", key, err)
	}
	return nil
}

// DeleteFolder pages through the prefix and issues batched DeleteObjects
// calls, up to the API's 1000-key limit per batch.
func (s *S3) DeleteFolder(ctx context.Context, prefix string) (int64, error) {
	var deleted int64
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("objstore: list for delete %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.cfg.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("objstore: delete batch %s: %w", prefix, err)
		}
		deleted += int64(len(ids) - len(out.Errors))
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, fmt.Errorf("objstore: delete batch %s: %d failures, first %s: %s",
				prefix, len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return deleted, nil
}

func (s *S3) ListObjects(ctx context.Context, opts ListOptions) (ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(opts.Prefix),
	}
	if opts.MaxKeys > 0 {
		in.MaxKeys = aws.Int32(int32(opts.MaxKeys)) //nolint:gosec // MaxKeys is bounded by the page validator
	}
	if opts.ContinuationToken != "" {
		in.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return ListResult{}, fmt.Errorf("objstore: list %s: %w", opts.Prefix, err)
	}

	res := ListResult{
		Objects:   make([]ObjectInfo, 0, len(out.Contents)),
		Truncated: aws.ToBool(out.IsTruncated),
	}
	for _, obj := range out.Contents {
		info := ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		res.Objects = append(res.Objects, info)
	}
	res.NextContinuation = aws.ToString(out.NextContinuationToken)
	return res, nil
}

func (s *S3) SignedURL(ctx context.Context, key string, opts SignOptions) (string, error) {
	expires := opts.ExpiresIn
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if opts.ResponseContentType != "" {
		in.ResponseContentType = aws.String(opts.ResponseContentType)
	}
	if opts.ResponseContentDisposition != "" {
		in.ResponseContentDisposition = aws.String(opts.ResponseContentDisposition)
	}

	req, err := s.presign.PresignGetObject(ctx, in, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("objstore: presign %s: %w", key, err)
	}
	return req.URL, nil
}

// HealthCheck verifies the bucket is reachable with current credentials.
func (s *S3) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	if err != nil {
		return fmt.Errorf("objstore: head bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// isS3NotFound matches both the typed NotFound and the generic API error
// code some S3-compatible stores return on HEAD.
func isS3NotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}
