// Package s3 implements the storage client for S3 compatible object stores.
// Directories are key prefixes; a directory created explicitly is stored as
// an empty object whose key ends in "/".
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"digital.vasic.fileops/pkg/client"
)

const (
	minPartSize = 5 * 1024 * 1024
	listPage    = 1000
)

// Config contains S3 configuration.
type Config struct {
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Region          string `json:"region" mapstructure:"region"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"-" mapstructure:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style" mapstructure:"use_path_style"`
	PartSize        int    `json:"part_size" mapstructure:"part_size"`
}

// api is the subset of *s3.Client used by this package.
type api interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Client implements client.Client for S3.
type Client struct {
	config    *Config
	api       api
	connected bool
}

// NewS3Client creates a new S3 client.
func NewS3Client(config *Config) *Client {
	return &Client{config: config}
}

// Connect loads the AWS configuration and checks the bucket.
func (c *Client) Connect(ctx context.Context) error {
	if c.config.Bucket == "" {
		return client.NewError(client.KindInvalid, "connect", "", fmt.Errorf("bucket is required"))
	}
	if c.api == nil {
		opts := []func(*awsconfig.LoadOptions) error{}
		if c.config.Region != "" {
			opts = append(opts, awsconfig.WithRegion(c.config.Region))
		}
		if c.config.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(c.config.AccessKeyID, c.config.SecretAccessKey, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return client.NewError(client.KindAuth, "connect", c.config.Bucket, fmt.Errorf("failed to load AWS config: %w", err))
		}
		c.api = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if c.config.Endpoint != "" {
				o.BaseEndpoint = aws.String(c.config.Endpoint)
			}
			o.UsePathStyle = c.config.UsePathStyle
		})
	}
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)}); err != nil {
		return classify("connect", c.config.Bucket, fmt.Errorf("failed to access bucket %s: %w", c.config.Bucket, err))
	}
	c.connected = true
	return nil
}

// Disconnect marks the client disconnected. HTTP connections are pooled by
// the SDK.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connected = false
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected
}

// TestConnection checks the bucket is still reachable.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
	return classify("test", c.config.Bucket, err)
}

// key maps a path to an object key. The bucket root is "".
func (c *Client) key(p string) string {
	return strings.TrimPrefix(path.Join("/", c.config.Prefix, path.Clean("/"+p)), "/")
}

func dirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

// ReadFile opens an object for reading.
func (c *Client) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.config.Bucket), Key: aws.String(c.key(p))})
	if err != nil {
		return nil, classify("read", p, fmt.Errorf("failed to get object %s: %w", p, err))
	}
	return out.Body, nil
}

// WriteFile uploads data. Data larger than one part is sent as a multipart
// upload, which is aborted on failure.
func (c *Client) WriteFile(ctx context.Context, p string, data io.Reader) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	key := c.key(p)
	partSize := c.config.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}

	buf := make([]byte, partSize)
	n, last, err := readPart(data, buf)
	if err != nil {
		return classify("write", p, fmt.Errorf("failed to read upload data for %s: %w", p, err))
	}
	if last {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.config.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return classify("write", p, fmt.Errorf("failed to put object %s: %w", p, err))
		}
		return nil
	}

	mp, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("write", p, fmt.Errorf("failed to start multipart upload for %s: %w", p, err))
	}
	if err := c.uploadParts(ctx, key, mp.UploadId, data, buf, n); err != nil {
		_, _ = c.api.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.config.Bucket),
			Key:      aws.String(key),
			UploadId: mp.UploadId,
		})
		return classify("write", p, fmt.Errorf("failed multipart upload for %s: %w", p, err))
	}
	return nil
}

func (c *Client) uploadParts(ctx context.Context, key string, uploadID *string, data io.Reader, buf []byte, n int) error {
	var parts []types.CompletedPart
	for number := int32(1); ; number++ {
		out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(c.config.Bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(number),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return err
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(number)})

		var last bool
		n, last, err = readPart(data, buf)
		if err != nil {
			return err
		}
		if n == 0 && last {
			break
		}
	}
	_, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.config.Bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	return err
}

// readPart fills buf and reports whether the reader is exhausted.
func readPart(r io.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return n, false, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return n, true, nil
	}
	return n, false, err
}

// GetFileInfo gets information about an object or a prefix.
func (c *Client) GetFileInfo(ctx context.Context, p string) (*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	key := c.key(p)
	if key == "" {
		return &client.FileInfo{Name: "/", IsDir: true, Mode: 0755, Path: p}, nil
	}
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.config.Bucket), Key: aws.String(key)})
	if err == nil {
		return &client.FileInfo{
			Name:    path.Base(key),
			Size:    aws.ToInt64(out.ContentLength),
			ModTime: aws.ToTime(out.LastModified),
			Mode:    0644,
			Path:    p,
		}, nil
	}
	err = classify("stat", p, fmt.Errorf("failed to head object %s: %w", p, err))
	if !errors.Is(err, client.ErrNotFound) {
		return nil, err
	}
	list, lerr := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.config.Bucket),
		Prefix:  aws.String(dirPrefix(key)),
		MaxKeys: aws.Int32(1),
	})
	if lerr != nil {
		return nil, classify("stat", p, fmt.Errorf("failed to list prefix %s: %w", p, lerr))
	}
	if len(list.Contents) == 0 && len(list.CommonPrefixes) == 0 {
		return nil, err
	}
	return &client.FileInfo{Name: path.Base(key), IsDir: true, Mode: 0755, Path: p}, nil
}

// ListPage lists one page of a prefix. An empty cursor starts the listing.
func (c *Client) ListPage(ctx context.Context, p, cursor string) ([]*client.FileInfo, string, error) {
	if !c.IsConnected() {
		return nil, "", client.ErrNotConnected
	}
	prefix := dirPrefix(c.key(p))
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.config.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(listPage),
	}
	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}
	out, err := c.api.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, "", classify("list", p, fmt.Errorf("failed to list %s: %w", p, err))
	}

	page := make([]*client.FileInfo, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		page = append(page, &client.FileInfo{Name: name, IsDir: true, Mode: 0755, Path: path.Join(p, name)})
	}
	for _, obj := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
		if name == "" {
			continue
		}
		page = append(page, &client.FileInfo{
			Name:    name,
			Size:    aws.ToInt64(obj.Size),
			ModTime: aws.ToTime(obj.LastModified),
			Mode:    0644,
			Path:    path.Join(p, name),
		})
	}
	next := ""
	if aws.ToBool(out.IsTruncated) {
		next = aws.ToString(out.NextContinuationToken)
	}
	return page, next, nil
}

// ListDirectory lists every entry under a prefix.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]*client.FileInfo, error) {
	if !c.IsConnected() {
		return nil, client.ErrNotConnected
	}
	var result []*client.FileInfo
	for fi, err := range client.Entries(ctx, c, p) {
		if err != nil {
			return nil, err
		}
		result = append(result, fi)
	}
	return result, nil
}

// FileExists checks if an object or prefix exists.
func (c *Client) FileExists(ctx context.Context, p string) (bool, error) {
	if _, err := c.GetFileInfo(ctx, p); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDirectory stores a directory marker object.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	key := c.key(p)
	if key == "" {
		return nil
	}
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.config.Bucket),
		Key:           aws.String(dirPrefix(key)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return classify("mkdir", p, fmt.Errorf("failed to create directory marker %s: %w", p, err))
	}
	return nil
}

// DeleteDirectory deletes every object under a prefix.
func (c *Client) DeleteDirectory(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	prefix := dirPrefix(c.key(p))
	in := &s3.ListObjectsV2Input{Bucket: aws.String(c.config.Bucket), Prefix: aws.String(prefix)}
	for {
		out, err := c.api.ListObjectsV2(ctx, in)
		if err != nil {
			return classify("rmdir", p, fmt.Errorf("failed to list %s: %w", p, err))
		}
		for _, obj := range out.Contents {
			if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.config.Bucket), Key: obj.Key}); err != nil {
				return classify("rmdir", p, fmt.Errorf("failed to delete object %s: %w", aws.ToString(obj.Key), err))
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

// DeleteFile deletes an object. S3 reports success for missing keys, so the
// object is checked first.
func (c *Client) DeleteFile(ctx context.Context, p string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	key := c.key(p)
	if _, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.config.Bucket), Key: aws.String(key)}); err != nil {
		return classify("delete", p, fmt.Errorf("failed to head object %s: %w", p, err))
	}
	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.config.Bucket), Key: aws.String(key)}); err != nil {
		return classify("delete", p, fmt.Errorf("failed to delete object %s: %w", p, err))
	}
	return nil
}

// RenameFile reports false: object stores have no rename, so callers copy
// and delete instead.
func (c *Client) RenameFile(ctx context.Context, from, to string) (bool, error) {
	if !c.IsConnected() {
		return false, client.ErrNotConnected
	}
	return false, nil
}

// CopyFile copies an object server side.
func (c *Client) CopyFile(ctx context.Context, src, dst string) error {
	if !c.IsConnected() {
		return client.ErrNotConnected
	}
	source := url.PathEscape(c.config.Bucket + "/" + c.key(src))
	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.config.Bucket),
		Key:        aws.String(c.key(dst)),
		CopySource: aws.String(source),
	})
	if err != nil {
		return classify("copy", src, fmt.Errorf("failed to copy object %s to %s: %w", src, dst, err))
	}
	return nil
}

// GetProtocol returns the protocol name.
func (c *Client) GetProtocol() string {
	return client.ProtocolS3
}

// GetConfig returns the S3 configuration.
func (c *Client) GetConfig() interface{} {
	return c.config
}

// Capabilities reports what S3 supports natively.
func (c *Client) Capabilities() client.Capabilities {
	return client.Capabilities{ServerSideCopy: true}
}

var codeKinds = map[string]client.Kind{
	"NoSuchKey":             client.KindNotFound,
	"NotFound":              client.KindNotFound,
	"NoSuchBucket":          client.KindNotFound,
	"AccessDenied":          client.KindPermissionDenied,
	"AllAccessDisabled":     client.KindPermissionDenied,
	"InvalidAccessKeyId":    client.KindAuth,
	"SignatureDoesNotMatch": client.KindAuth,
	"ExpiredToken":          client.KindAuth,
	"RequestTimeout":        client.KindTimeout,
	"SlowDown":              client.KindUnreachable,
	"ServiceUnavailable":    client.KindUnreachable,
	"InternalError":         client.KindUnreachable,
	"EntityTooLarge":        client.KindQuotaExceeded,
	"QuotaExceeded":         client.KindQuotaExceeded,
	"InvalidObjectName":     client.KindInvalid,
	"KeyTooLongError":       client.KindInvalid,
}

// classify maps smithy API error codes and HTTP statuses onto the client
// error taxonomy.
func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if kind := client.KindOf(err); kind != client.KindProtocol {
		return client.Classify(op, p, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := codeKinds[apiErr.ErrorCode()]; ok {
			return client.NewError(kind, op, p, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 404:
			return client.NewError(client.KindNotFound, op, p, err)
		case code == 403:
			return client.NewError(client.KindPermissionDenied, op, p, err)
		case code == 401:
			return client.NewError(client.KindAuth, op, p, err)
		case code >= 500:
			return client.NewError(client.KindUnreachable, op, p, err)
		}
	}
	return client.Classify(op, p, err)
}
