// Package transfer streams artifact bytes to a negotiated upload destination.
package transfer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/chassy-io/artifact-upload/internal/apperrors"
	"github.com/chassy-io/artifact-upload/internal/httpclient"
	"github.com/chassy-io/artifact-upload/internal/logger"
)

const contentType = "application/octet-stream"

// Result describes a completed upload.
type Result struct {
	StatusCode int
	Bytes      int64
	Duration   time.Duration
}

// Transferer uploads files with a single PUT each.
type Transferer struct {
	client *retryablehttp.Client
	meter  *Meter
}

// NewTransferer returns a transferer using client. Retries on the client are
// disabled: a target is single-use, so replays belong to the caller, which
// must negotiate a new one first. meter may be nil.
func NewTransferer(client *retryablehttp.Client, meter *Meter) *Transferer {
	client.RetryMax = 0
	return &Transferer{client: client, meter: meter}
}

// Transfer PUTs the file at path to uploadURI. Any 2xx response is success.
// No Authorization header is sent; the destination URI carries its own grant.
func (t *Transferer) Transfer(ctx context.Context, uploadURI, path string) (Result, error) {
	log := logger.FromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		return Result{}, apperrors.TransferFailure(path, 0, "", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{}, apperrors.TransferFailure(path, 0, "", err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, apperrors.TransferFailure(path, 0, "", fmt.Errorf("%s is not a regular file", path))
	}

	body := &countingReader{rs: f}
	var reqBody interface{} = body
	if info.Size() == 0 {
		// A non-nil body with zero length would be sent chunked.
		reqBody = nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, uploadURI, reqBody)
	if err != nil {
		return Result{}, apperrors.TransferFailure(path, 0, "", err)
	}
	req.Header.Set("Content-Type", contentType)
	// Presigned destinations reject chunked uploads.
	req.ContentLength = info.Size()

	log.Debug().Str("file", path).Int64("size", info.Size()).Msg("Uploading file")
	start := time.Now()
	resp, err := t.client.Do(req)
	if resp == nil {
		return Result{}, apperrors.TransferFailure(path, 0, "", httpclient.ContextError(ctx, err))
	}
	defer resp.Body.Close()

	if !httpclient.IsSuccess(resp.StatusCode) {
		respBody := httpclient.ReadBody(resp)
		log.Error().Str("file", path).Int("status", resp.StatusCode).Msg("Upload rejected")
		return Result{}, apperrors.TransferFailure(path, resp.StatusCode, respBody, nil)
	}
	httpclient.ReadBody(resp)

	result := Result{
		StatusCode: resp.StatusCode,
		Bytes:      body.n,
		Duration:   time.Since(start),
	}
	t.meter.RecordTransfer(result.Bytes)
	log.Debug().Str("file", path).Int64("bytes", result.Bytes).Dur("duration", result.Duration).Msg("Upload complete")
	return result, nil
}
