package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/shardkeeper/shardkeeper/pkg/types"
)

// S3Config holds configuration for the S3 document backend.
type S3Config struct {
	// Bucket is the bucket holding this shard's data.
	Bucket string
	// Region is the AWS region for the bucket.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// Prefix namespaces this shard's keys within the bucket.
	Prefix string
}

// S3Adapter is a document-store shard backend over S3-compatible object
// storage. Each row lives at <prefix>/<table>/<id>.json. Counts and scans
// walk the table prefix with paginated ListObjectsV2 calls, so they are
// adequate for rebalance/migration passes rather than hot-path reads.
type S3Adapter struct {
	metricsRecorder

	cfg    S3Config
	client *s3.Client
}

// NewS3Adapter creates an S3 document backend.
func NewS3Adapter(cfg S3Config) *S3Adapter {
	return &S3Adapter{cfg: cfg}
}

// NewS3AdapterWithClient creates an S3 backend with a pre-configured client.
func NewS3AdapterWithClient(client *s3.Client, cfg S3Config) *S3Adapter {
	return &S3Adapter{cfg: cfg, client: client}
}

func (a *S3Adapter) Kind() string { return "s3" }

func (a *S3Adapter) Connect(ctx context.Context) error {
	if a.client != nil {
		a.setConnected(true)
		return nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if a.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(a.cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if a.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(a.cfg.Endpoint)
		})
	}
	if a.cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a.client = s3.NewFromConfig(awsCfg, s3Opts...)
	a.setConnected(true)
	return nil
}

func (a *S3Adapter) Close() error {
	a.setConnected(false)
	return nil
}

func (a *S3Adapter) HealthCheck(ctx context.Context) (bool, error) {
	if a.client == nil {
		return false, ErrNotConnected
	}
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.cfg.Bucket),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *S3Adapter) key(table, id string) string {
	return path.Join(a.cfg.Prefix, table, id+".json")
}

func (a *S3Adapter) tablePrefix(table string) string {
	return path.Join(a.cfg.Prefix, table) + "/"
}

func (a *S3Adapter) put(ctx context.Context, table, id string, row types.Row) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("s3: failed to encode row: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.key(table, id)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3: put failed: %w", err)
	}
	return nil
}

func (a *S3Adapter) Insert(ctx context.Context, table string, row types.Row) (types.Row, error) {
	var stored types.Row
	err := a.record(func() error {
		if a.client == nil {
			return ErrNotConnected
		}
		stored = row.Clone()
		id, ok := types.RowID(stored)
		if !ok {
			id = uuid.NewString()
			stored["id"] = id
		}
		return a.put(ctx, table, id, stored)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// BulkInsert has no transactional form on object storage; rows are written
// one object at a time and the count of successful puts is returned with
// the first error.
func (a *S3Adapter) BulkInsert(ctx context.Context, table string, rows []types.Row) (int64, error) {
	var n int64
	err := a.record(func() error {
		if a.client == nil {
			return ErrNotConnected
		}
		for _, row := range rows {
			stored := row.Clone()
			id, ok := types.RowID(stored)
			if !ok {
				id = uuid.NewString()
				stored["id"] = id
			}
			if err := a.put(ctx, table, id, stored); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (a *S3Adapter) Update(ctx context.Context, table, id string, row types.Row) (bool, error) {
	var found bool
	err := a.record(func() error {
		if a.client == nil {
			return ErrNotConnected
		}
		if _, err := a.fetch(ctx, table, id); err != nil {
			if errors.Is(err, ErrRowNotFound) {
				return nil
			}
			return err
		}
		stored := row.Clone()
		stored["id"] = id
		if err := a.put(ctx, table, id, stored); err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (a *S3Adapter) Delete(ctx context.Context, table, id string) (bool, error) {
	var found bool
	err := a.record(func() error {
		if a.client == nil {
			return ErrNotConnected
		}
		if _, err := a.fetch(ctx, table, id); err != nil {
			if errors.Is(err, ErrRowNotFound) {
				return nil
			}
			return err
		}
		_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(a.cfg.Bucket),
			Key:    aws.String(a.key(table, id)),
		})
		if err != nil {
			return fmt.Errorf("s3: delete failed: %w", err)
		}
		found = true
		return nil
	})
	return found, err
}

func (a *S3Adapter) fetch(ctx context.Context, table, id string) (types.Row, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(a.key(table, id)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrRowNotFound
		}
		return nil, fmt.Errorf("s3: get failed: %w", err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read failed: %w", err)
	}
	var row types.Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("s3: failed to decode row: %w", err)
	}
	return row, nil
}

func (a *S3Adapter) FindByID(ctx context.Context, table, id string) (types.Row, error) {
	var row types.Row
	err := a.record(func() error {
		if a.client == nil {
			return ErrNotConnected
		}
		var err error
		row, err = a.fetch(ctx, table, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Query supports the "SELECT * FROM <table>" form only.
func (a *S3Adapter) Query(ctx context.Context, query string, params []interface{}) (*types.QueryResult, error) {
	table, err := tableFromSelectAll(query)
	if err != nil {
		return nil, err
	}
	rows, err := a.Scan(ctx, table, 0)
	if err != nil {
		return nil, err
	}
	return &types.QueryResult{Rows: rows, RowCount: int64(len(rows))}, nil
}

func (a *S3Adapter) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := a.record(func() error {
		if a.client == nil {
			return ErrNotConnected
		}
		prefix := a.tablePrefix(table)
		paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(a.cfg.Bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("s3: list failed: %w", err)
			}
			n += int64(len(page.Contents))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (a *S3Adapter) Scan(ctx context.Context, table string, limit int) ([]types.Row, error) {
	var out []types.Row
	err := a.record(func() error {
		if a.client == nil {
			return ErrNotConnected
		}
		prefix := a.tablePrefix(table)
		paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(a.cfg.Bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("s3: list failed: %w", err)
			}
			for _, obj := range page.Contents {
				if limit > 0 && len(out) >= limit {
					return nil
				}
				key := aws.ToString(obj.Key)
				id := strings.TrimSuffix(path.Base(key), ".json")
				row, err := a.fetch(ctx, table, id)
				if err != nil {
					return err
				}
				out = append(out, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *S3Adapter) Metrics() types.Metrics {
	return a.snapshot()
}
