package lodestore

import (
	"testing"
)

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		path, bucket, prefix string
	}{
		{"results", "results", ""},
		{"results/sluice", "results", "sluice"},
		{"results/a/b", "results", "a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			b, p := ParseS3Path(tt.path)
			if b != tt.bucket || p != tt.prefix {
				t.Errorf("ParseS3Path(%q) = %q, %q", tt.path, b, p)
			}
		})
	}
}

func TestNewFactory(t *testing.T) {
	ctx := t.Context()

	if _, err := NewFactory(ctx, Options{Backend: BackendFS, Path: t.TempDir()}); err != nil {
		t.Errorf("fs: %v", err)
	}
	if _, err := NewFactory(ctx, Options{Backend: BackendFS}); err == nil {
		t.Error("fs without path should fail")
	}
	if _, err := NewFactory(ctx, Options{Backend: BackendS3}); err == nil {
		t.Error("s3 without bucket should fail")
	}
	if _, err := NewFactory(ctx, Options{Backend: "ftp"}); err == nil {
		t.Error("unknown backend should fail")
	}

	f, err := NewFactory(ctx, Options{Backend: BackendMemory})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, err := f(); err != nil {
		t.Errorf("memory factory: %v", err)
	}
}

func TestNewS3Factory_Endpoint(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	f, err := NewS3Factory(t.Context(), S3Config{
		Bucket:       "results",
		Region:       "us-east-1",
		Endpoint:     "http://127.0.0.1:9000",
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3Factory: %v", err)
	}
	if f == nil {
		t.Error("expected a factory")
	}
}
