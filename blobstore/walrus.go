package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPublisherURL  = "https://publisher.walrus-testnet.walrus.space"
	DefaultAggregatorURL = "https://aggregator.walrus-testnet.walrus.space"
	DefaultEpochs        = 5
)

// Walrus stores blobs through a Walrus publisher and reads them back
// through an aggregator.
type Walrus struct {
	publisher  string
	aggregator string
	epochs     int
	client     *http.Client
}

func NewWalrus(publisher, aggregator string, epochs int) (*Walrus, error) {
	if publisher == "" {
		publisher = DefaultPublisherURL
	}
	if aggregator == "" {
		aggregator = DefaultAggregatorURL
	}
	if epochs <= 0 {
		epochs = DefaultEpochs
	}
	for _, u := range []string{publisher, aggregator} {
		if _, err := url.ParseRequestURI(u); err != nil {
			return nil, fmt.Errorf("invalid walrus url %q: %w", u, err)
		}
	}
	return &Walrus{
		publisher:  strings.TrimRight(publisher, "/"),
		aggregator: strings.TrimRight(aggregator, "/"),
		epochs:     epochs,
		client:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type storeResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

func (w *Walrus) Put(ctx context.Context, data []byte) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/blobs?epochs=%d", w.publisher, w.epochs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("failed to store blob: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode store response: %w", err)
	}
	switch {
	case out.NewlyCreated != nil && out.NewlyCreated.BlobObject.BlobID != "":
		log.Debugf("walrus stored new blob %s", out.NewlyCreated.BlobObject.BlobID)
		return out.NewlyCreated.BlobObject.BlobID, nil
	case out.AlreadyCertified != nil && out.AlreadyCertified.BlobID != "":
		return out.AlreadyCertified.BlobID, nil
	}
	return "", fmt.Errorf("store response carries no blob id")
}

func (w *Walrus) Get(ctx context.Context, id string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/blobs/%s", w.aggregator, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return nil, fmt.Errorf("failed to fetch blob %s: status %d", id, resp.StatusCode)
	}
}
