// Package s3 maps the strategy contract onto an S3 bucket, treating "/" in
// object keys as the folder separator.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"transferpool/internal/domain"
	"transferpool/internal/strategy"
)

const (
	Protocol = "s3"

	defaultRegion = "us-east-1"
)

var ErrFolderNotEmpty = errors.New("folder is not empty")

type Strategy struct {
	cfg    strategy.Config
	logger *logrus.Entry

	mu       sync.Mutex
	client   *s3.Client
	uploader *manager.Uploader
	// ctx is canceled by Disconnect, failing every request made on it.
	ctx    context.Context
	cancel context.CancelFunc
}

var _ strategy.Strategy = (*Strategy)(nil)

func New(cfg strategy.Config, logger *logrus.Logger) (strategy.Strategy, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	return &Strategy{
		cfg:    cfg,
		logger: logger.WithField("protocol", Protocol).WithField("bucket", cfg.Bucket),
	}, nil
}

func (s *Strategy) loadOptions() []func(*awscfg.LoadOptions) error {
	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(s.cfg.Region),
	}
	if s.cfg.Profile != "" {
		opts = append(opts, awscfg.WithSharedConfigProfile(s.cfg.Profile))
	}
	if s.cfg.User != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.User, s.cfg.Password, ""),
		))
	}
	return opts
}

func (s *Strategy) clientOptions(o *s3.Options) {
	endpoint := s.cfg.Endpoint
	if endpoint == "" && s.cfg.Host != "" {
		scheme := "https"
		if s.cfg.InsecureSkipVerify {
			scheme = "http"
		}
		endpoint = scheme + "://" + s.cfg.Addr(443)
	}
	if endpoint != "" {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	}
}

func (s *Strategy) Connect(ctx context.Context) error {
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, s.loadOptions()...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, s.clientOptions)

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", s.cfg.Bucket, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.client = client
	s.uploader = manager.NewUploader(client)
	s.ctx, s.cancel = sessionCtx, cancel
	s.mu.Unlock()

	s.logger.WithField("region", s.cfg.Region).Debug("connected")
	return nil
}

func (s *Strategy) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.client, s.uploader, s.ctx, s.cancel = nil, nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.logger.Debug("disconnected")
	}
	return nil
}

func (s *Strategy) Abort(ctx context.Context) error {
	return strategy.Reconnect(ctx, s)
}

func (s *Strategy) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

type session struct {
	client   *s3.Client
	uploader *manager.Uploader
	ctx      context.Context
	stop     func() bool
	cancel   context.CancelFunc
}

// session returns a request context that ends with either ctx or the
// connection. release must be called once the request is done.
func (s *Strategy) session(ctx context.Context) (*session, error) {
	s.mu.Lock()
	client, uploader, sessionCtx := s.client, s.uploader, s.ctx
	s.mu.Unlock()
	if client == nil {
		return nil, strategy.ErrNotConnected
	}

	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sessionCtx, cancel)
	return &session{client: client, uploader: uploader, ctx: reqCtx, stop: stop, cancel: cancel}, nil
}

func (ss *session) release() {
	ss.stop()
	ss.cancel()
}

func (s *Strategy) do(ctx context.Context, fn func(ss *session) error) error {
	ss, err := s.session(ctx)
	if err != nil {
		return err
	}
	defer ss.release()
	err = fn(ss)
	if err != nil && ctx.Err() == nil && ss.ctx.Err() != nil {
		return strategy.Closed(err)
	}
	return err
}

func (s *Strategy) bucket() *string {
	return aws.String(s.cfg.Bucket)
}

// objectKey turns a remote path into an object key.
func objectKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// folderPrefix returns the key prefix listing the contents of folder p.
func folderPrefix(p string) string {
	key := objectKey(p)
	if key == "" {
		return ""
	}
	return key + "/"
}

func (s *Strategy) List(ctx context.Context, dir string) ([]domain.FileEntry, error) {
	prefix := folderPrefix(dir)
	var entries []domain.FileEntry
	err := s.do(ctx, func(ss *session) error {
		input := &s3.ListObjectsV2Input{
			Bucket:    s.bucket(),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		}
		paginator := s3.NewListObjectsV2Paginator(ss.client, input)
		for paginator.HasMorePages() {
			output, err := paginator.NextPage(ss.ctx)
			if err != nil {
				return err
			}
			for _, cp := range output.CommonPrefixes {
				name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
				entries = append(entries, domain.FileEntry{Name: name, Type: domain.FileTypeFolder})
			}
			for _, obj := range output.Contents {
				name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
				if name == "" {
					continue
				}
				entry := domain.FileEntry{
					Name: name,
					Type: domain.FileTypeFile,
					Size: aws.ToInt64(obj.Size),
				}
				if obj.LastModified != nil {
					entry.LastModified = *obj.LastModified
				}
				if obj.Owner != nil {
					entry.Owner = aws.ToString(obj.Owner.DisplayName)
				}
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return entries, nil
}

func (s *Strategy) Size(ctx context.Context, p string) (int64, error) {
	var size int64
	err := s.do(ctx, func(ss *session) error {
		out, err := ss.client.HeadObject(ss.ctx, &s3.HeadObjectInput{Bucket: s.bucket(), Key: aws.String(objectKey(p))})
		if err != nil {
			return err
		}
		size = aws.ToInt64(out.ContentLength)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("head object %s: %w", p, err)
	}
	return size, nil
}

// Move copies the object and deletes the source.
func (s *Strategy) Move(ctx context.Context, src, dest string) error {
	return s.do(ctx, func(ss *session) error {
		_, err := ss.client.CopyObject(ss.ctx, &s3.CopyObjectInput{
			Bucket:     s.bucket(),
			CopySource: aws.String(s.cfg.Bucket + "/" + objectKey(src)),
			Key:        aws.String(objectKey(dest)),
		})
		if err != nil {
			return fmt.Errorf("copy object: %w", err)
		}
		if _, err := ss.client.DeleteObject(ss.ctx, &s3.DeleteObjectInput{Bucket: s.bucket(), Key: aws.String(objectKey(src))}); err != nil {
			return fmt.Errorf("delete source object: %w", err)
		}
		return nil
	})
}

func (s *Strategy) RemoveFile(ctx context.Context, p string) error {
	return s.do(ctx, func(ss *session) error {
		_, err := ss.client.DeleteObject(ss.ctx, &s3.DeleteObjectInput{Bucket: s.bucket(), Key: aws.String(objectKey(p))})
		return err
	})
}

func (s *Strategy) RemoveEmptyFolder(ctx context.Context, p string) error {
	prefix := folderPrefix(p)
	return s.do(ctx, func(ss *session) error {
		out, err := ss.client.ListObjectsV2(ss.ctx, &s3.ListObjectsV2Input{
			Bucket:  s.bucket(),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(2),
		})
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range out.Contents {
			if aws.ToString(obj.Key) != prefix {
				return fmt.Errorf("%w: %s", ErrFolderNotEmpty, p)
			}
		}
		_, err = ss.client.DeleteObject(ss.ctx, &s3.DeleteObjectInput{Bucket: s.bucket(), Key: aws.String(prefix)})
		return err
	})
}

// RemoveFolder deletes every object under p, one page at a time.
func (s *Strategy) RemoveFolder(ctx context.Context, p string) error {
	prefix := folderPrefix(p)
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	return s.do(ctx, func(ss *session) error {
		listInput := &s3.ListObjectsV2Input{
			Bucket: s.bucket(),
			Prefix: aws.String(prefix),
		}
		for {
			output, err := ss.client.ListObjectsV2(ss.ctx, listInput)
			if err != nil {
				return fmt.Errorf("list objects for delete: %w", err)
			}

			if len(output.Contents) > 0 {
				identifiers := make([]types.ObjectIdentifier, 0, len(output.Contents))
				for _, obj := range output.Contents {
					identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
				}
				_, err := ss.client.DeleteObjects(ss.ctx, &s3.DeleteObjectsInput{
					Bucket: s.bucket(),
					Delete: &types.Delete{
						Objects: identifiers,
						Quiet:   aws.Bool(true),
					},
				})
				if err != nil {
					return fmt.Errorf("delete objects: %w", err)
				}
			}

			if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
				return nil
			}
			listInput.ContinuationToken = output.NextContinuationToken
		}
	})
}

func (s *Strategy) putEmpty(ctx context.Context, key string) error {
	return s.do(ctx, func(ss *session) error {
		_, err := ss.client.PutObject(ss.ctx, &s3.PutObjectInput{
			Bucket: s.bucket(),
			Key:    aws.String(key),
			Body:   bytes.NewReader(nil),
			ACL:    types.ObjectCannedACLPrivate,
		})
		return err
	})
}

// CreateFolder writes a zero-length "folder/" marker object.
func (s *Strategy) CreateFolder(ctx context.Context, p string) error {
	return s.putEmpty(ctx, folderPrefix(p))
}

func (s *Strategy) CreateEmptyFile(ctx context.Context, p string) error {
	return s.putEmpty(ctx, objectKey(p))
}

// Pwd is always the bucket root.
func (s *Strategy) Pwd(ctx context.Context) (string, error) {
	if !s.Connected() {
		return "", strategy.ErrNotConnected
	}
	return "/", nil
}

func (s *Strategy) Send(ctx context.Context, command string) (string, error) {
	return "", fmt.Errorf("send %q: %w", command, strategy.ErrUnsupported)
}

func (s *Strategy) Download(ctx context.Context, dest io.Writer, info domain.TransferInfo, progress strategy.ProgressFunc) error {
	return s.do(ctx, func(ss *session) error {
		input := &s3.GetObjectInput{Bucket: s.bucket(), Key: aws.String(objectKey(info.RemotePath))}
		if info.StartAt > 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", info.StartAt))
		}
		out, err := ss.client.GetObject(ss.ctx, input)
		if err != nil {
			return fmt.Errorf("get object %s: %w", info.RemotePath, err)
		}
		defer out.Body.Close()

		if _, err := io.Copy(strategy.NewProgressWriter(dest, info.StartAt, progress), out.Body); err != nil {
			return fmt.Errorf("download %s: %w", info.RemotePath, err)
		}
		return nil
	})
}

// Upload cannot resume; objects are always written whole.
func (s *Strategy) Upload(ctx context.Context, src io.Reader, info domain.TransferInfo, progress strategy.ProgressFunc) error {
	if info.StartAt > 0 {
		return fmt.Errorf("resume upload: %w", strategy.ErrUnsupported)
	}
	return s.do(ctx, func(ss *session) error {
		started := time.Now()
		_, err := ss.uploader.Upload(ss.ctx, &s3.PutObjectInput{
			Bucket: s.bucket(),
			Key:    aws.String(objectKey(info.RemotePath)),
			Body:   strategy.NewProgressReader(src, 0, progress),
			ACL:    types.ObjectCannedACLPrivate,
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", info.RemotePath, err)
		}
		s.logger.WithField("remote_path", info.RemotePath).
			WithField("elapsed", time.Since(started)).
			Debug("object uploaded")
		return nil
	})
}
