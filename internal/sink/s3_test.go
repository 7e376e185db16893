// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3Server accepts any PutObjectInput and responds 200 OK, enough to
// exercise S3Sink's own WriteAt/Close/Abort contract without a real bucket:
// a small test payload fits in manager.Uploader's single-part fast path.
func fakeS3Server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"fakeetag"`)
		w.WriteHeader(http.StatusOK)
	}))
}

func testS3Client(t *testing.T, server *httptest.Server) *s3.Client {
	t.Helper()
	return s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(server.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
}

func TestS3SinkWriteAtEnforcesSequentialOffsets(t *testing.T) {
	server := fakeS3Server(t)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewS3Sink(ctx, testS3Client(t, server), "bucket", "key")
	if s.SupportsRandomAccess() {
		t.Error("expected S3Sink to not support random access")
	}

	if err := s.WriteAt(ctx, []byte("out of order"), 5); err == nil {
		t.Fatal("expected WriteAt at a non-sequential offset to fail")
	}

	if err := s.Abort(ctx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
}

func TestS3SinkWriteAndCloseCompletesUpload(t *testing.T) {
	server := fakeS3Server(t)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewS3Sink(ctx, testS3Client(t, server), "bucket", "key")

	payload := []byte("hello ponswarp")
	if err := s.WriteAt(ctx, payload, 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := s.Truncate(ctx, int64(len(payload))); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
