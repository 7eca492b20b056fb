package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrAllFetchesFailed is returned when not a single photo of a job could be
// downloaded. Per the failure taxonomy this is permanent: there is nothing to
// estimate against.
var ErrAllFetchesFailed = errors.New("all photo fetches failed")

// URLSigner resolves a photo ref into a fetchable URL
type URLSigner interface {
	GetDownloadURL(ctx context.Context, storageKey string) (string, error)
}

// PhotoFetcher downloads a job's photos with bounded concurrency and a
// per-photo timeout. Individual failures shrink the set; arrival order of the
// survivors is preserved.
type PhotoFetcher struct {
	signer   URLSigner
	http     *resty.Client
	parallel int
	timeout  time.Duration
}

// NewPhotoFetcher creates a photo fetcher
func NewPhotoFetcher(signer URLSigner, parallel int, timeout time.Duration) *PhotoFetcher {
	return &PhotoFetcher{
		signer:   signer,
		http:     resty.New().SetTimeout(timeout),
		parallel: parallel,
		timeout:  timeout,
	}
}

// Fetch downloads the photos for the given refs. Returns the image bytes and
// the refs that succeeded, both in the original order.
func (f *PhotoFetcher) Fetch(ctx context.Context, refs []string) ([][]byte, []string, error) {
	results := make([][]byte, len(refs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)

	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			img, err := f.fetchOne(gctx, ref)
			if err != nil {
				log.Warn().Err(err).Str("photo_ref", ref).Msg("Photo fetch failed")
				return nil
			}
			mu.Lock()
			results[i] = img
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var images [][]byte
	var usedRefs []string
	for i, img := range results {
		if img != nil {
			images = append(images, img)
			usedRefs = append(usedRefs, refs[i])
		}
	}
	if len(images) == 0 {
		return nil, nil, ErrAllFetchesFailed
	}
	return images, usedRefs, nil
}

func (f *PhotoFetcher) fetchOne(ctx context.Context, ref string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url, err := f.signer.GetDownloadURL(fetchCtx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to sign download URL: %w", err)
	}

	resp, err := f.http.R().SetContext(fetchCtx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download photo: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("photo download returned %d", resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("photo download returned empty body")
	}
	return body, nil
}
