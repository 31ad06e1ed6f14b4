// Package docsource reads document PDFs and their page metadata from the
// object store. Page count and intrinsic page dimensions are written as
// object user metadata by the ingest path at upload time.
package docsource

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

const (
	metaPageCount  = "X-Amz-Meta-Page-Count"
	metaPageWidth  = "X-Amz-Meta-Page-Width"
	metaPageHeight = "X-Amz-Meta-Page-Height"
)

// PageInfo describes one page of a document. Width and Height are the
// intrinsic PDF page dimensions in points; annotation geometry stays
// normalized against them.
type PageInfo struct {
	PageNumber int     `json:"pageNumber"`
	PageCount  int     `json:"pageCount"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Service resolves documents to their stored objects.
type Service struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger

	mu    sync.Mutex
	cache map[string]docMeta
}

type docMeta struct {
	pageCount int
	width     float64
	height    float64
	fetchedAt time.Time
}

const cacheTTL = 5 * time.Minute

// New connects to the object store and verifies the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, secure bool, log zerolog.Logger) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	ok, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}
	return &Service{
		client: client,
		bucket: bucket,
		log:    log.With().Str("component", "docsource").Logger(),
		cache:  make(map[string]docMeta),
	}, nil
}

func parseMetaFloat(stat minio.ObjectInfo, key string) float64 {
	v, err := strconv.ParseFloat(stat.Metadata.Get(key), 64)
	if err != nil {
		return 0
	}
	return v
}

func (s *Service) meta(ctx context.Context, objectKey string) (docMeta, error) {
	s.mu.Lock()
	if m, ok := s.cache[objectKey]; ok && time.Since(m.fetchedAt) < cacheTTL {
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	stat, err := s.client.StatObject(ctx, s.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return docMeta{}, fmt.Errorf("stat %s: %w", objectKey, err)
	}
	pages, err := strconv.Atoi(stat.Metadata.Get(metaPageCount))
	if err != nil || pages < 1 {
		return docMeta{}, fmt.Errorf("object %s carries no page-count metadata", objectKey)
	}
	m := docMeta{
		pageCount: pages,
		width:     parseMetaFloat(stat, metaPageWidth),
		height:    parseMetaFloat(stat, metaPageHeight),
		fetchedAt: time.Now(),
	}
	s.mu.Lock()
	s.cache[objectKey] = m
	s.mu.Unlock()
	return m, nil
}

// PageCount returns the number of pages in the stored document.
func (s *Service) PageCount(ctx context.Context, objectKey string) (int, error) {
	m, err := s.meta(ctx, objectKey)
	if err != nil {
		return 0, err
	}
	return m.pageCount, nil
}

// Page returns metadata for one page. Page numbers are 1-based; an
// out-of-range page is an error.
func (s *Service) Page(ctx context.Context, objectKey string, page int) (PageInfo, error) {
	m, err := s.meta(ctx, objectKey)
	if err != nil {
		return PageInfo{}, err
	}
	if page < 1 || page > m.pageCount {
		return PageInfo{}, fmt.Errorf("page %d out of range 1..%d", page, m.pageCount)
	}
	return PageInfo{
		PageNumber: page,
		PageCount:  m.pageCount,
		Width:      m.width,
		Height:     m.height,
	}, nil
}

// PresignedURL returns a short-lived download URL for the document PDF.
func (s *Service) PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return u.String(), nil
}
