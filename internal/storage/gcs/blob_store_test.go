package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubClient(status int, body string) option.ClientOption {
	return option.WithHTTPClient(&http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: status,
				Body:       io.NopCloser(strings.NewReader(body)),
				Header:     make(http.Header),
				Request:    r,
			}, nil
		}),
	})
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestOpenRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{}, option.WithoutAuthentication())
	require.ErrorContains(t, err, "bucket name is required")
}

func TestOpenVerifiesBucket(t *testing.T) {
	t.Parallel()

	store, err := Open(context.Background(), Config{Bucket: "crawl-pages", VerifyBucket: true},
		option.WithoutAuthentication(), stubClient(http.StatusOK, `{"name":"crawl-pages"}`))
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestOpenFailsOnBucketError(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Bucket: "missing", VerifyBucket: true},
		option.WithoutAuthentication(), stubClient(http.StatusNotFound, `{"error":{"code":404}}`))
	require.ErrorContains(t, err, `get bucket "missing" attributes`)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	payload := "<html>ok</html>"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/crawl-pages/o")
		assert.Equal(t, "pages/abc.html", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"pages/abc.html","bucket":"crawl-pages"}`)
	}))
	t.Cleanup(server.Close)

	store, err := Open(context.Background(), Config{Bucket: "crawl-pages"},
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	uri, err := store.PutObject(context.Background(), "pages/abc.html", "text/html", strings.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "gs://crawl-pages/pages/abc.html", uri)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	store, err := Open(context.Background(), Config{Bucket: "crawl-pages"},
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")

	_, err = store.PutObject(context.Background(), "pages/abc.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
