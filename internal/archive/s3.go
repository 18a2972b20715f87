// Package archive copies committed parquet batches to S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"rugfeed/config"
	"rugfeed/internal/bus"
	"rugfeed/internal/store"
	"rugfeed/logger"
)

// S3API is the subset of the S3 client the uploader calls.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Stats struct {
	Uploaded uint64
	Failed   uint64
	Bytes    uint64
}

// Uploader mirrors each committed batch to bucket/prefix/<partition path>.
// The local file stays authoritative; a failed upload is logged and counted.
type Uploader struct {
	client  S3API
	bucket  string
	prefix  string
	version string
	bus     *bus.Bus
	jobs    chan store.Batch
	token   bus.Token

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	uploaded atomic.Uint64
	failed   atomic.Uint64
	bytes    atomic.Uint64
}

func NewUploader(ctx context.Context, cfg config.S3Config, version string, b *bus.Bus) (*Uploader, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newUploader(client, cfg.Bucket, cfg.Prefix, version, b), nil
}

func newUploader(client S3API, bucket, prefix, version string, b *bus.Bus) *Uploader {
	return &Uploader{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		version: version,
		bus:     b,
		jobs:    make(chan store.Batch, 256),
		log:     logger.GetLogger(),
	}
}

func (u *Uploader) Name() string { return "s3_archive" }

func (u *Uploader) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return fmt.Errorf("s3 archive already running")
	}
	u.running = true
	u.ctx, u.cancel = context.WithCancel(ctx)
	u.mu.Unlock()

	u.token = u.bus.Subscribe(bus.TopicBatchCommitted, u.enqueue)

	u.wg.Add(1)
	go u.run()

	u.log.WithComponent("s3_archive").WithFields(logger.Fields{
		"bucket": u.bucket,
		"prefix": u.prefix,
	}).Info("s3 archive started")
	return nil
}

func (u *Uploader) enqueue(e bus.Event) error {
	batch, ok := e.Payload.(store.Batch)
	if !ok {
		return fmt.Errorf("unexpected batch payload %T", e.Payload)
	}
	select {
	case u.jobs <- batch:
		return nil
	default:
		u.failed.Add(1)
		return fmt.Errorf("archive queue full, skipping %s", batch.RelPath)
	}
}

func (u *Uploader) run() {
	defer u.wg.Done()
	for {
		select {
		case <-u.ctx.Done():
			return
		case batch := <-u.jobs:
			if err := u.upload(u.ctx, batch); err != nil {
				u.failed.Add(1)
				u.log.WithComponent("s3_archive").WithError(err).WithField("path", batch.RelPath).Warn("failed to archive batch")
			}
		}
	}
}

// Key returns the object key for a batch.
func (u *Uploader) Key(batch store.Batch) string {
	if u.prefix == "" {
		return batch.RelPath
	}
	return path.Join(u.prefix, batch.RelPath)
}

func (u *Uploader) upload(ctx context.Context, batch store.Batch) error {
	data, err := os.ReadFile(batch.Path)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}

	key := u.Key(batch)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     "snappy",
			"doc-type":        string(batch.DocType),
			"session-id":      batch.SessionID,
			"first-sequence":  fmt.Sprint(batch.First),
			"last-sequence":   fmt.Sprint(batch.Last),
			"rugfeed-version": u.version,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload batch parquet: %w", err)
	}

	u.uploaded.Add(1)
	u.bytes.Add(uint64(len(data)))
	logger.LogDataFlowEntry(u.log.WithComponent("s3_archive").WithField("key", key), "parquet_batch", "s3", batch.Records, string(batch.DocType))
	return nil
}

// Stop unsubscribes and drains batches already queued before returning.
func (u *Uploader) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	u.mu.Unlock()

	u.bus.Unsubscribe(u.token)
	u.cancel()
	u.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		select {
		case batch := <-u.jobs:
			if err := u.upload(ctx, batch); err != nil {
				u.failed.Add(1)
				u.log.WithComponent("s3_archive").WithError(err).WithField("path", batch.RelPath).Warn("failed to archive batch")
			}
		default:
			u.log.WithComponent("s3_archive").WithFields(logger.Fields{
				"uploaded": u.uploaded.Load(),
				"failed":   u.failed.Load(),
			}).Info("s3 archive stopped")
			return
		}
	}
}

func (u *Uploader) Stats() Stats {
	return Stats{Uploaded: u.uploaded.Load(), Failed: u.failed.Load(), Bytes: u.bytes.Load()}
}
