// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink streams a transfer's wire bytes into one object via a multipart
// upload, adapted from the teacher's optional S3 backup destination
// (aws-sdk-go-v2/feature/s3/manager.Uploader). Unlike LocalSink this
// backend cannot truncate after the fact — it is strictly sequential and
// streaming — so it is only correct for archived/folder transfers whose
// final size is already accepted as an estimate (§3 is_size_estimated),
// never for a single raw file where §4.6 step 6 requires exact byte-count
// clamping after the fact.
type S3Sink struct {
	pw       *io.PipeWriter
	pr       *io.PipeReader
	wroteAt  int64
	mu       sync.Mutex
	uploadWg sync.WaitGroup
	uploadErr error
	aborted  bool
}

// NewS3Sink starts a background multipart upload of key into bucket,
// reading from an internal pipe that WriteAt feeds.
func NewS3Sink(ctx context.Context, client *s3.Client, bucket, key string) *S3Sink {
	pr, pw := io.Pipe()
	s := &S3Sink{pr: pr, pw: pw}

	uploader := manager.NewUploader(client)
	s.uploadWg.Add(1)
	go func() {
		defer s.uploadWg.Done()
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		if err != nil {
			s.uploadErr = fmt.Errorf("sink: s3 multipart upload: %w", err)
			_ = pr.CloseWithError(s.uploadErr)
		}
	}()

	return s
}

func (s *S3Sink) WriteAt(_ context.Context, p []byte, off int64) error {
	s.mu.Lock()
	if off != s.wroteAt {
		s.mu.Unlock()
		return fmt.Errorf("sink: s3 backend requires sequential writes, got offset %d want %d", off, s.wroteAt)
	}
	s.mu.Unlock()

	n, err := s.pw.Write(p)
	s.mu.Lock()
	s.wroteAt += int64(n)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sink: writing to s3 upload pipe: %w", err)
	}
	return nil
}

// Truncate is a no-op: a streaming multipart upload has already sent every
// byte it was given and cannot be cut back (see type doc).
func (s *S3Sink) Truncate(_ context.Context, _ int64) error {
	return nil
}

func (s *S3Sink) Close(_ context.Context) error {
	if err := s.pw.Close(); err != nil {
		return fmt.Errorf("sink: closing s3 upload pipe: %w", err)
	}
	s.uploadWg.Wait()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	return nil
}

func (s *S3Sink) Abort(_ context.Context) error {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	abortErr := fmt.Errorf("sink: transfer aborted")
	_ = s.pw.CloseWithError(abortErr)
	s.uploadWg.Wait()
	return nil
}

func (s *S3Sink) SupportsRandomAccess() bool { return false }
