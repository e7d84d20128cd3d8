package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
)

const (
	partSuffix       = ".part"
	copyBufferSize   = 256 << 10
	defaultUserAgent = "fetchd/1"
)

// HTTP downloads sources with GET into "<dest>.part" and renames the file
// into place once the body has been fully written. An existing part file is
// resumed with a Range request.
type HTTP struct {
	client    *http.Client
	userAgent string
	logger    *logging.Logger
}

// NewHTTP builds the HTTP transport. The client has no overall timeout;
// transfers are bounded by their context only.
func NewHTTP(cfg model.TransportConfig, logger *logging.Logger) *HTTP {
	dialTimeout := 30 * time.Second
	if cfg.ConnectTimeout > 0 {
		dialTimeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}
	idle := 90 * time.Second
	if cfg.IdleTimeoutSec > 0 {
		idle = time.Duration(cfg.IdleTimeoutSec) * time.Second
	}
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: dialTimeout,
		IdleConnTimeout:       idle,
		MaxIdleConnsPerHost:   4,
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &HTTP{
		client:    &http.Client{Transport: rt},
		userAgent: ua,
		logger:    logger.With("http"),
	}
}

// NewHTTPWithClient is NewHTTP with a caller-supplied client.
func NewHTTPWithClient(client *http.Client, userAgent string, logger *logging.Logger) *HTTP {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &HTTP{client: client, userAgent: userAgent, logger: logger.With("http")}
}

// Client returns the underlying HTTP client.
func (h *HTTP) Client() *http.Client {
	return h.client
}

func PartPath(dest string) string {
	return dest + partSuffix
}

func (h *HTTP) Transfer(ctx context.Context, req Request, progress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(req.DestPath), 0755); err != nil {
		return model.Fatal("create directory", err)
	}
	part := PartPath(req.DestPath)

	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Source, nil)
	if err != nil {
		return model.Fatal("build request", err)
	}
	httpReq.Header.Set("User-Agent", h.userAgent)
	if offset > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return model.Transient("request", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
		h.logger.Debugf("resume task=%s offset=%d", req.TaskID, offset)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// the part file is no longer a prefix of the resource; start over
		_ = os.Remove(part)
		return model.Transient("resume", fmt.Errorf("range not satisfiable at offset %d", offset))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		flags |= os.O_TRUNC
		offset = 0
	default:
		return statusError(resp)
	}

	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return fileError("open part file", err)
	}
	defer f.Close()

	total := req.Size
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	done := offset
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fileError("write", werr)
			}
			done += int64(n)
			if perr := progress(done, total); perr != nil {
				return perr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return model.Transient("read body", rerr)
		}
	}
	if resp.ContentLength > 0 && done < total {
		return model.Transient("read body", io.ErrUnexpectedEOF)
	}

	if err := f.Sync(); err != nil {
		return fileError("sync", err)
	}
	if err := f.Close(); err != nil {
		return fileError("close", err)
	}
	if err := os.Rename(part, req.DestPath); err != nil {
		return fileError("rename", err)
	}
	if total <= 0 || done < total {
		// unknown length: report the final size once
		return progress(done, done)
	}
	return nil
}

// Abort removes the part file and any completed destination file.
func (h *HTTP) Abort(_ context.Context, req Request) error {
	paths := []string{PartPath(req.DestPath)}
	if req.Finished {
		paths = append(paths, req.DestPath)
	}
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "unexpected status: " + e.Status
}

// Retryable reports whether the server may answer differently later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests ||
		e.Code == http.StatusRequestTimeout ||
		e.Code >= 500
}

func statusError(resp *http.Response) error {
	se := &StatusError{Code: resp.StatusCode, Status: resp.Status}
	if se.Retryable() {
		return model.Transient("get", se)
	}
	return model.Fatal("get", se)
}

// fileError classifies local filesystem failures. A full disk may clear up;
// missing permissions will not.
func fileError(op string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return model.Fatal(op, err)
	}
	if isNoSpace(err) {
		return model.Transient(op, err)
	}
	return model.Fatal(op, err)
}
