package store

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oriys/chronicle/internal/domain"
)

// mockS3Client is an in-memory S3Client for object adapter tests.
type mockS3Client struct {
	objects map[string][]byte
	err     error

	lastKey         string
	lastContentType string
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: map[string][]byte{}}
}

// mockAPIError carries just the ErrorCode surface isS3NotFound matches on.
type mockAPIError struct{ code string }

func (e *mockAPIError) Error() string     { return e.code }
func (e *mockAPIError) ErrorCode() string { return e.code }

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*params.Key] = data
	m.lastKey = *params.Key
	if params.ContentType != nil {
		m.lastContentType = *params.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.objects[*params.Key]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	if _, ok := m.objects[*params.Key]; !ok {
		return nil, &mockAPIError{code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestObjKeyLayout(t *testing.T) {
	rec := sampleRecord()
	want := "logs/trustCheckIn/2025-06-01/rec-1.json"
	if got := KeyFor(rec); got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestObjWriteAndHead(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3Client()
	obj := NewObjStoreFromClient(mock, "chronicle-logs")

	rec := sampleRecord()
	if ok, _ := obj.Has(ctx, rec); ok {
		t.Fatal("object present before write")
	}
	if err := obj.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if mock.lastContentType != "application/json" {
		t.Fatalf("content type = %q", mock.lastContentType)
	}
	if ok, err := obj.Has(ctx, rec); err != nil || !ok {
		t.Fatalf("object absent after write: ok=%v err=%v", ok, err)
	}

	var stored domain.Record
	if err := json.Unmarshal(mock.objects[KeyFor(rec)], &stored); err != nil {
		t.Fatal(err)
	}
	if stored.ID != rec.ID || stored.OperationID != rec.OperationID {
		t.Fatalf("stored object mismatch: %+v", stored)
	}
}

func TestObjGetRecord(t *testing.T) {
	ctx := context.Background()
	obj := NewObjStoreFromClient(newMockS3Client(), "chronicle-logs")

	rec := sampleRecord()
	if _, err := obj.GetRecord(ctx, rec); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := obj.Write(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := obj.GetRecord(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != rec.SessionID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestObjWriteErrorPropagates(t *testing.T) {
	mock := newMockS3Client()
	mock.err = &mockAPIError{code: "InternalError"}
	obj := NewObjStoreFromClient(mock, "chronicle-logs")

	if err := obj.Write(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected write error")
	}
}
