// Package recording moves finished call recordings from the provider into
// object storage and reports the resulting descriptor.
package recording

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/internal/resilience"
)

// Uploader copies one recording into durable storage. Implementations
// return the storage path to persist on the CallRecording row.
type Uploader interface {
	Upload(ctx context.Context, callSID, recordingSID, mediaURL string) (storagePath string, size int64, err error)
}

// NewFromConfig selects the uploader backend.
func NewFromConfig(cfg config.RecordingConfig, tel config.TelephonyConfig) (Uploader, error) {
	switch cfg.Backend {
	case "minio":
		return NewMinioUploader(cfg.Minio, tel)
	case "", "none":
		return NoopUploader{}, nil
	}
	return nil, eris.Errorf("recording: unknown backend %q", cfg.Backend)
}

// NoopUploader keeps recordings at the provider: the provider URL itself
// becomes the storage path.
type NoopUploader struct{}

func (NoopUploader) Upload(_ context.Context, _, _, mediaURL string) (string, int64, error) {
	return mediaURL, 0, nil
}

// MinioUploader streams the provider media into a bucket.
type MinioUploader struct {
	client *minio.Client
	bucket string

	httpClient *http.Client
	mediaUser  string
	mediaPass  string
	retry      resilience.RetryConfig
}

// NewMinioUploader builds the client. Provider credentials authenticate
// the media fetch; recordings are not public URLs.
func NewMinioUploader(cfg config.MinioConfig, tel config.TelephonyConfig) (*MinioUploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, eris.New("recording: minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "recording: minio client")
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("twilio", "fetch recording media")
	return &MinioUploader{
		client:     client,
		bucket:     cfg.Bucket,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		mediaUser:  tel.AccountSID,
		mediaPass:  tel.AuthToken,
		retry:      retry,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (u *MinioUploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return eris.Wrapf(err, "recording: check bucket %s", u.bucket)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return eris.Wrapf(err, "recording: create bucket %s", u.bucket)
	}
	zap.L().Info("recording: bucket created", zap.String("bucket", u.bucket))
	return nil
}

// Upload fetches the provider media and streams it into the bucket.
// Transient fetch failures are retried before the whole upload is given
// up on.
func (u *MinioUploader) Upload(ctx context.Context, callSID, recordingSID, mediaURL string) (string, int64, error) {
	body, size, err := u.fetch(ctx, mediaURL)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	object := objectPath(callSID, recordingSID)
	info, err := u.client.PutObject(ctx, u.bucket, object, body, size, minio.PutObjectOptions{
		ContentType: "audio/wav",
	})
	if err != nil {
		return "", 0, eris.Wrapf(err, "recording: put %s", object)
	}
	zap.L().Info("recording: uploaded",
		zap.String("call_sid", callSID),
		zap.String("object", object),
		zap.Int64("size", info.Size),
	)
	return object, info.Size, nil
}

type fetched struct {
	body io.ReadCloser
	size int64
}

func (u *MinioUploader) fetch(ctx context.Context, mediaURL string) (io.ReadCloser, int64, error) {
	res, err := resilience.DoVal(ctx, u.retry, func(ctx context.Context) (fetched, error) {
		body, size, err := fetchMedia(ctx, u.httpClient, mediaURL, u.mediaUser, u.mediaPass)
		return fetched{body: body, size: size}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return res.body, res.size, nil
}

// objectPath lays recordings out by call so a call's artifacts sit
// together in the bucket.
func objectPath(callSID, recordingSID string) string {
	return fmt.Sprintf("recordings/%s/%s.wav", callSID, recordingSID)
}

// fetchMedia downloads the recording with basic-auth provider
// credentials. 5xx and 429 answers are transient; anything else 4xx means
// the recording is gone and retrying is pointless.
func fetchMedia(ctx context.Context, client *http.Client, mediaURL, user, pass string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "recording: build media request")
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, resilience.NewTransientError(eris.Wrap(err, "recording: fetch media"), 0)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := eris.Errorf("recording: media fetch returned %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, 0, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}
