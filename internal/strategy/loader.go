package strategy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/tradelab/paramopt/internal/config"
	"github.com/tradelab/paramopt/internal/store/model"
)

var ErrDatasetNotFound = errors.New("dataset not found")

// Loader returns the bar series selected by a job.
type Loader interface {
	Load(ctx context.Context, sel model.DatasetSelector) (*Series, error)
	Type() string
}

// ObjectName is the file or object holding the bars of symbol at timeframe.
func ObjectName(sel model.DatasetSelector) string {
	return fmt.Sprintf("%s_%s.csv", strings.ToUpper(sel.Symbol), sel.Timeframe)
}

func NewLoader(cfg *config.Config) (Loader, error) {
	switch cfg.Datasets.Source {
	case "minio":
		s3 := cfg.Datasets.S3
		return NewMinioLoader(
			WithEndpoint(s3.Endpoint),
			WithBucket(s3.Bucket),
			WithAccessKey(s3.AccessKey),
			WithSecretKey(s3.SecretKey),
			WithSSL(s3.UseSSL),
		)
	case "file", "":
		return NewFileLoader(cfg.Datasets.Directory), nil
	default:
		return nil, fmt.Errorf("unknown dataset source %q", cfg.Datasets.Source)
	}
}

type FileLoader struct {
	dir string
}

func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{dir: dir}
}

func (l *FileLoader) Load(ctx context.Context, sel model.DatasetSelector) (*Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(l.dir, ObjectName(sel))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrDatasetNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	return finish(f, sel)
}

func (l *FileLoader) Type() string {
	return "file"
}

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	useSSL          bool
}

type MinioLoader struct {
	cfg    *minioConfig
	client *minio.Client
}

func NewMinioLoader(opts ...MinioOpts) (*MinioLoader, error) {
	cfg := &minioConfig{bucket: "datasets"}
	for _, o := range opts {
		o(cfg)
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioLoader{cfg: cfg, client: client}, nil
}

func (l *MinioLoader) Load(ctx context.Context, sel model.DatasetSelector) (*Series, error) {
	name := ObjectName(sel)
	object, err := l.client.GetObject(ctx, l.cfg.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "getting object %s/%s", l.cfg.bucket, name)
	}
	defer object.Close()

	if _, err := object.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, errors.Wrapf(ErrDatasetNotFound, "%s/%s", l.cfg.bucket, name)
		}
		return nil, errors.Wrapf(err, "stat object %s/%s", l.cfg.bucket, name)
	}

	return finish(object, sel)
}

func (l *MinioLoader) Type() string {
	return "minio"
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}

func finish(r io.Reader, sel model.DatasetSelector) (*Series, error) {
	series, err := ParseCSV(r)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing dataset %s", ObjectName(sel))
	}
	series.Symbol = strings.ToUpper(sel.Symbol)
	series.Timeframe = sel.Timeframe
	series = series.Window(sel.Start, sel.End)
	if series.Len() == 0 {
		return nil, errors.Wrapf(ErrDatasetNotFound, "no bars for %s in the selected window", ObjectName(sel))
	}
	return series, nil
}
