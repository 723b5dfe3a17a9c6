package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	input *s3manager.UploadInput
	body  string
	err   error
	out   *s3manager.UploadOutput
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.input = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return f.out, f.err
}

func TestExporterKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "dmarc-2025-06.csv"},
		{"dmarc/", "dmarc/dmarc-2025-06.csv"},
		{"/exports/dmarc", "exports/dmarc/dmarc-2025-06.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			e := NewExporter(&fakeUploader{}, "bucket", tt.prefix, nil)
			assert.Equal(t, tt.want, e.Key("dmarc-2025-06.csv"))
		})
	}
}

func TestExporterUpload(t *testing.T) {
	t.Run("uploads body under prefixed key", func(t *testing.T) {
		up := &fakeUploader{}
		e := NewExporter(up, "reports", "dmarc", nil)

		loc, err := e.Upload(context.Background(), "dmarc-2025-06.csv", strings.NewReader("a,b\r\n"))
		require.NoError(t, err)

		assert.Equal(t, "s3://reports/dmarc/dmarc-2025-06.csv", loc)
		assert.Equal(t, "reports", aws.StringValue(up.input.Bucket))
		assert.Equal(t, "dmarc/dmarc-2025-06.csv", aws.StringValue(up.input.Key))
		assert.Equal(t, "text/csv", aws.StringValue(up.input.ContentType))
		assert.Equal(t, "a,b\r\n", up.body)
	})

	t.Run("prefers the returned location", func(t *testing.T) {
		up := &fakeUploader{out: &s3manager.UploadOutput{Location: "https://reports.s3.amazonaws.com/x.csv"}}
		loc, err := NewExporter(up, "reports", "", nil).Upload(context.Background(), "x.csv", strings.NewReader(""))
		require.NoError(t, err)
		assert.Equal(t, "https://reports.s3.amazonaws.com/x.csv", loc)
	})

	t.Run("wraps upload errors", func(t *testing.T) {
		up := &fakeUploader{err: errors.New("access denied")}
		_, err := NewExporter(up, "reports", "", nil).Upload(context.Background(), "x.csv", strings.NewReader(""))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "s3://reports/x.csv")
		assert.Contains(t, err.Error(), "access denied")
	})
}

func TestNewS3ExporterRequiresBucket(t *testing.T) {
	_, err := NewS3Exporter(S3Config{Region: "us-east-1"}, nil)
	assert.Error(t, err)
}
