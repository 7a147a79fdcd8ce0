package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ClientConfig describes how to reach an S3 compatible object store.
type S3ClientConfig struct {
	Region          string
	Endpoint        string // optional, for MinIO and other S3 compatible stores
	AccessKeyID     string // optional, default credential chain otherwise
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3Store keeps a LeaderToken in one object. The object's ETag plays the role
// of the file identity: the body is only fetched again when it changed.
type S3Store struct {
	client  S3API
	bucket  string
	key     string
	logger  logging.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	cached LeaderToken
	etag   string
	loaded bool

	generation atomic.Uint64
}

// S3StoreConfig configures an S3Store.
type S3StoreConfig struct {
	Bucket  string
	Key     string
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// NewS3Store creates a store on bucket/key. The object is created on first write.
func NewS3Store(client S3API, config S3StoreConfig) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if config.Bucket == "" || config.Key == "" {
		return nil, errors.New("s3 bucket and key are required")
	}
	return &S3Store{
		client: client,
		bucket: config.Bucket,
		key:    config.Key,
		logger: logging.ForComponent(config.Logger, "token").
			With(logging.String("bucket", config.Bucket), logging.String("key", config.Key)),
		metrics: config.Metrics,
	}, nil
}

func (s *S3Store) Name() string {
	return "s3"
}

func (s *S3Store) Generation() uint64 {
	return s.generation.Load()
}

func (s *S3Store) Load(ctx context.Context) (LeaderToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *S3Store) loadLocked(ctx context.Context) (LeaderToken, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNotFound(err) {
			s.cached, s.etag, s.loaded = LeaderToken{}, "", true
			return s.cached, nil
		}
		return s.cached, fmt.Errorf("failed to stat token object: %w", err)
	}
	etag := aws.ToString(head.ETag)
	if s.loaded && etag == s.etag {
		return s.cached, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		s.recordReload(err)
		return s.cached, fmt.Errorf("failed to read token object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		s.recordReload(err)
		return s.cached, fmt.Errorf("failed to read token object: %w", err)
	}
	t, err := Unmarshal(data)
	if err != nil {
		s.recordReload(err)
		return s.cached, err
	}

	s.recordReload(nil)
	s.cached = t
	s.etag = aws.ToString(out.ETag)
	s.loaded = true
	return t, nil
}

func (s *S3Store) Update(ctx context.Context, t LeaderToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, t)
}

func (s *S3Store) SetOnlyHost(ctx context.Context, onlyHost bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	current.OnlyHost = onlyHost
	return s.updateLocked(ctx, current)
}

func (s *S3Store) updateLocked(ctx context.Context, t LeaderToken) error {
	current, err := s.loadLocked(ctx)
	if err != nil && !errors.Is(err, ErrCorruptToken) {
		return err
	}
	if err == nil && current == t {
		s.recordWrite("unchanged")
		return nil
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(Marshal(t)),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		s.recordWrite("error")
		return fmt.Errorf("failed to write token object: %w", err)
	}

	s.cached = t
	s.etag = aws.ToString(out.ETag)
	s.loaded = true
	s.generation.Add(1)
	s.recordWrite("written")
	s.logger.Debug("token written", logging.Token("token", t.Token), logging.Bool("only_host", t.OnlyHost))
	return nil
}

func (s *S3Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	_, err := s.loadLocked(ctx)
	return err
}

func (s *S3Store) recordWrite(status string) {
	if s.metrics != nil {
		s.metrics.RecordTokenWrite("s3", status)
	}
}

func (s *S3Store) recordReload(err error) {
	if s.metrics != nil {
		s.metrics.RecordTokenReload("s3", err)
	}
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// Ensure S3Store implements Store
var _ Store = (*S3Store)(nil)
