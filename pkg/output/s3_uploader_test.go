package output

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intacct-extractor/pkg/config"
)

func TestS3UploaderPutsUnderPrefix(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var types []string
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		types = append(types, r.Header.Get("Content-Type"))
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(server.URL),
		UsePathStyle: true,
		HTTPClient:   server.Client(),
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}, nil
		}),
	})
	uploader := newS3Uploader(client, "extracts", "intacct/daily/", zap.NewNop())

	location, err := uploader.Upload(context.Background(), "vendor.csv", strings.NewReader("RECORDNO\n1\n"), "text/csv")
	require.NoError(t, err)
	assert.Equal(t, "s3://extracts/intacct/daily/vendor.csv", location)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.Equal(t, "PUT /extracts/intacct/daily/vendor.csv", paths[0])
	assert.Equal(t, "text/csv", types[0])
	assert.NoError(t, uploader.Close())
}

func TestNewUploaderDisabled(t *testing.T) {
	for _, typ := range []string{"", "none"} {
		u, err := NewUploader(context.Background(), config.UploadConfig{Type: typ}, nil)
		require.NoError(t, err)
		assert.Nil(t, u)
	}
	_, err := NewUploader(context.Background(), config.UploadConfig{Type: "ftp"}, nil)
	assert.Error(t, err)
}
