// Package objectstore implements the presigned-URL / head-object contract
// of spec.md §6 over S3-compatible storage.
package objectstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/v0id-user/rwos/internal/apierrors"
)

// Config is the connection info the client needs (OBJECT_STORE_* env vars
// per spec.md §6 Configuration).
type Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // host the canonical URL form uses
	Region          string
	ForcePathStyle  bool // set for S3-compatible stores (and tests) without virtual-hosted buckets
	DisableSSL      bool
}

// Client wraps an S3-compatible object store (spec.md §6 Object store).
type Client struct {
	s3     *s3.S3
	accountID string
	host   string
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.Endpoint),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
		DisableSSL:       aws.Bool(cfg.DisableSSL),
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		s3:        s3.New(sess),
		accountID: cfg.AccountID,
		host:      cfg.Endpoint,
	}, nil
}

// PresignResult is PresignPut/PresignGet's success payload.
type PresignResult struct {
	URL       string
	ExpiresAt time.Time
}

// PresignPut generates a presigned PUT URL for (bucket, key), valid for
// ttl, optionally constrained to contentType (spec.md §6: "Presigned-URL
// generation over (bucket, key, ttl, contentType?) returning (url,
// expiresAt)").
func (c *Client) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration, contentType string) (PresignResult, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, _ := c.s3.PutObjectRequest(input)
	req.SetContext(ctx)
	url, err := req.Presign(ttl)
	if err != nil {
		return PresignResult{}, &apierrors.StoreError{Op: "PRESIGN_PUT", Err: err}
	}
	return PresignResult{URL: url, ExpiresAt: time.Now().Add(ttl)}, nil
}

// PresignGet generates a presigned GET URL for (bucket, key), valid for
// ttl, used by workers to fetch inputs directly (spec.md §6).
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (PresignResult, error) {
	req, _ := c.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	req.SetContext(ctx)
	url, err := req.Presign(ttl)
	if err != nil {
		return PresignResult{}, &apierrors.StoreError{Op: "PRESIGN_GET", Err: err}
	}
	return PresignResult{URL: url, ExpiresAt: time.Now().Add(ttl)}, nil
}

// HeadResult is HeadObject's success payload (spec.md §6: "returning
// presence/size").
type HeadResult struct {
	Exists bool
	Size   int64
}

// HeadObject probes (bucket, key) for existence (spec.md §4.6 step 2:
// "probe the object store for inputKey existence").
func (c *Client) HeadObject(ctx context.Context, bucket, key string) (HeadResult, error) {
	out, err := c.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return HeadResult{Exists: false}, nil
		}
		return HeadResult{}, &apierrors.StoreError{Op: "HEAD_OBJECT", Err: err}
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return HeadResult{Exists: true, Size: size}, nil
}

// CanonicalURL builds the canonical URL form (spec.md §6: "Canonical URL
// form https://{accountId}.{host}/{bucket}/{key}").
func (c *Client) CanonicalURL(bucket, key string) string {
	return fmt.Sprintf("https://%s.%s/%s/%s", c.accountID, c.host, bucket, key)
}
