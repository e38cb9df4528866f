package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"deployctl/internal/failfast"
)

// ObjectGetter is the part of the S3 client the store needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func defaultS3Client(ctx context.Context) (ObjectGetter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "s3://")
}

// parseS3URL splits s3://bucket/key.
func parseS3URL(source string) (bucket, key string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", err
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("%q is not an s3://bucket/key URL", source)
	}
	return bucket, key, nil
}

// download copies the object into dir and returns the local path.
func (s *Store) download(ctx context.Context, source, dir string) (string, error) {
	bucket, key, err := parseS3URL(source)
	if err != nil {
		return "", failfast.New(failfast.ArtifactInvalid, source, err)
	}

	client, err := s.remote(ctx)
	if err != nil {
		return "", failfast.New(failfast.ArtifactInvalid, source, err)
	}

	log.Info("fetching s3://%s/%s", bucket, key)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", failfast.New(failfast.ArtifactInvalid, source, err)
	}
	defer out.Body.Close()

	local := filepath.Join(dir, "artifact-"+path.Base(key))
	f, err := os.Create(local)
	if err != nil {
		return "", failfast.New(failfast.ExtractionFailed, "creating download file", err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return "", failfast.New(failfast.ExtractionFailed, "downloading "+source, err)
	}
	if err := f.Close(); err != nil {
		return "", failfast.New(failfast.ExtractionFailed, "downloading "+source, err)
	}
	return local, nil
}
