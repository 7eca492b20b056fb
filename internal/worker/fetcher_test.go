package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	baseURL string
	errFor  map[string]error
}

func (s *fakeSigner) GetDownloadURL(_ context.Context, key string) (string, error) {
	if err, ok := s.errFor[key]; ok {
		return "", err
	}
	return s.baseURL + "/" + key, nil
}

func photoServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/p-missing":
			w.WriteHeader(http.StatusNotFound)
		case "/p-empty":
			w.WriteHeader(http.StatusOK)
		default:
			fmt.Fprintf(w, "bytes-of-%s", r.URL.Path[1:])
		}
	}))
}

func TestFetch_AllSucceedInOrder(t *testing.T) {
	srv := photoServer()
	defer srv.Close()

	f := NewPhotoFetcher(&fakeSigner{baseURL: srv.URL}, 3, 5*time.Second)
	images, usedRefs, err := f.Fetch(context.Background(), []string{"p1", "p2", "p3"})
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2", "p3"}, usedRefs)
	require.Len(t, images, 3)
	assert.Equal(t, []byte("bytes-of-p1"), images[0])
	assert.Equal(t, []byte("bytes-of-p3"), images[2])
}

func TestFetch_PartialFailureShrinksSet(t *testing.T) {
	srv := photoServer()
	defer srv.Close()

	f := NewPhotoFetcher(&fakeSigner{baseURL: srv.URL}, 3, 5*time.Second)
	images, usedRefs, err := f.Fetch(context.Background(), []string{"p1", "p-missing", "p3"})
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p3"}, usedRefs)
	require.Len(t, images, 2)
	assert.Equal(t, []byte("bytes-of-p3"), images[1])
}

func TestFetch_SignerFailureSkipsPhoto(t *testing.T) {
	srv := photoServer()
	defer srv.Close()

	signer := &fakeSigner{
		baseURL: srv.URL,
		errFor:  map[string]error{"p2": fmt.Errorf("key not found")},
	}
	f := NewPhotoFetcher(signer, 3, 5*time.Second)
	_, usedRefs, err := f.Fetch(context.Background(), []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, usedRefs)
}

func TestFetch_EmptyBodyCountsAsFailure(t *testing.T) {
	srv := photoServer()
	defer srv.Close()

	f := NewPhotoFetcher(&fakeSigner{baseURL: srv.URL}, 3, 5*time.Second)
	_, usedRefs, err := f.Fetch(context.Background(), []string{"p-empty", "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, usedRefs)
}

func TestFetch_AllFailuresReturnsError(t *testing.T) {
	srv := photoServer()
	defer srv.Close()

	f := NewPhotoFetcher(&fakeSigner{baseURL: srv.URL}, 3, 5*time.Second)
	_, _, err := f.Fetch(context.Background(), []string{"p-missing", "p-empty"})
	require.ErrorIs(t, err, ErrAllFetchesFailed)
}
