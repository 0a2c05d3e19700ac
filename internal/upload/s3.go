package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/companyzero/voicenote/internal/audio"
	"github.com/decred/slog"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// S3Config is the configuration for an S3 compatible bucket.
type S3Config struct {
	Endpoint        string `validate:"omitempty,url"`
	Region          string
	Bucket          string `validate:"required"`
	AccessKeyID     string `validate:"required"`
	SecretAccessKey string `validate:"required"`

	// Prefix is prepended to every object key.
	Prefix string `validate:"omitempty,max=512"`

	// PublicURL is the base URL objects are served from. When empty, URLs
	// point to the bucket endpoint.
	PublicURL string `validate:"omitempty,url"`
}

// S3Gateway uploads blobs to an S3 compatible bucket.
type S3Gateway struct {
	cfg    S3Config
	client *s3.Client
	log    slog.Logger
}

// NewS3Gateway creates a gateway for the bucket.
func NewS3Gateway(cfg S3Config, log slog.Logger) (*S3Gateway, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}
	if log == nil {
		log = slog.Disabled
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID,
		cfg.SecretAccessKey, "")
	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = region

			// Callers decide whether to retry.
			o.Retryer = aws.NopRetryer{}
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Gateway{
		cfg:    cfg,
		client: s3.New(s3.Options{}, options...),
		log:    log,
	}, nil
}

// objectURL returns the URL of the object with the given key.
func (g *S3Gateway) objectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if g.cfg.PublicURL != "" {
		return strings.TrimSuffix(g.cfg.PublicURL, "/") + "/" + escaped
	}
	if g.cfg.Endpoint != "" {
		return strings.TrimSuffix(g.cfg.Endpoint, "/") + "/" + g.cfg.Bucket + "/" + escaped
	}
	region := g.cfg.Region
	if region == "" || region == "auto" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", g.cfg.Bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", g.cfg.Bucket, region, escaped)
}

// Upload is part of the Gateway interface.
func (g *S3Gateway) Upload(ctx context.Context, blob audio.Blob, ownerID string) (string, error) {
	if err := checkArgs(blob, ownerID); err != nil {
		return "", err
	}

	key := ObjectKey(g.cfg.Prefix, ownerID, blob.Type)
	start := time.Now()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(g.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(blob.Data),
		ContentLength: aws.Int64(int64(len(blob.Data))),
		Metadata:      map[string]string{"owner": ownerID},
	}
	if blob.Type != "" {
		input.ContentType = aws.String(blob.Type)
	}
	if _, err := g.client.PutObject(ctx, input); err != nil {
		return "", &Error{Key: key, Err: err}
	}

	g.log.Debugf("Uploaded %d bytes to s3://%s/%s in %s", len(blob.Data),
		g.cfg.Bucket, key, time.Since(start))
	return g.objectURL(key), nil
}
