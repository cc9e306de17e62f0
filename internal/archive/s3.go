// Package archive stores the final bracket of every completed tournament
// in S3-compatible object storage (AWS S3, Cloudflare R2, MinIO).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pong-tournament/internal/config"
	"github.com/pong-tournament/internal/domain"
)

const uploadTimeout = 30 * time.Second

// ObjectPutter is the part of the S3 client the archiver uses
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Record is the archived document
type Record struct {
	TournamentID int64              `json:"tournamentId"`
	Tournament   *domain.Tournament `json:"tournament,omitempty"`
	ChampionID   *int64             `json:"championId,omitempty"`
	Bracket      []domain.Match     `json:"bracket"`
	CompletedAt  time.Time          `json:"completedAt"`
}

// Archiver uploads completed brackets. It implements service.Notifier and
// ignores every event except completion.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New builds an S3 client from cfg. A custom endpoint switches to path
// style addressing, which R2 and MinIO expect.
func New(ctx context.Context, cfg *config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	sdkCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient creates an archiver on an existing client
func NewWithClient(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Key returns the object key for a tournament
func (a *Archiver) Key(tournamentID int64) string {
	prefix := a.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return fmt.Sprintf("%stournament-%d.json", prefix, tournamentID)
}

// Notify uploads completed tournaments in the background so the request
// that completed the tournament is not held up by storage latency
func (a *Archiver) Notify(ctx context.Context, event domain.Event) {
	if event.Kind != domain.EventCompleted {
		return
	}

	rec := Record{
		TournamentID: event.TournamentID,
		Tournament:   event.Tournament,
		ChampionID:   event.ChampionID,
		Bracket:      event.Bracket,
		CompletedAt:  event.OccurredAt,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uploadTimeout)
		defer cancel()

		if err := a.Upload(ctx, rec); err != nil {
			a.logger.Error("failed to archive bracket", "tournament_id", rec.TournamentID, "error", err)
		}
	}()
}

// Upload writes rec to the bucket
func (a *Archiver) Upload(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding archive record: %w", err)
	}

	key := a.Key(rec.TournamentID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	a.logger.Info("bracket archived", "tournament_id", rec.TournamentID, "bucket", a.bucket, "key", key)
	return nil
}

// Wait blocks until background uploads finish
func (a *Archiver) Wait() {
	a.wg.Wait()
}
