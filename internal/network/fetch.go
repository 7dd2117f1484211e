package network

import (
	"bufio"
	"context"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// FetchRequest describes one file fetch into OutputPath via PartialPath.
type FetchRequest struct {
	URL         string
	OutputPath  string
	PartialPath string
	Headers     map[string]string

	// Hash, when set, receives every byte of the final file
	Hash hash.Hash
	// WrapBody may wrap the response body, e.g. for throttling
	WrapBody func(io.Reader) io.Reader
	// Progress is called with bytes written so far and the expected total (0 if unknown)
	Progress func(downloaded, total int64)
}

// FetchResult contains the result of a fetch
type FetchResult struct {
	Bytes   int64
	Total   int64
	Resumed bool
}

// Fetch downloads req.URL. An existing partial file is resumed with a Range
// request; when the server ignores the range the fetch starts over. The
// partial file is left in place on failure so a later fetch can resume it.
func Fetch(ctx context.Context, client *http.Client, req FetchRequest) (*FetchResult, error) {
	if req.PartialPath == "" {
		req.PartialPath = req.OutputPath + ".part"
	}
	if err := os.MkdirAll(filepath.Dir(req.PartialPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var startByte int64
	if info, err := os.Stat(req.PartialPath); err == nil {
		startByte = info.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if startByte > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	result := &FetchResult{}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC

	switch {
	case resp.StatusCode == http.StatusPartialContent && startByte > 0:
		result.Resumed = true
		flags = os.O_WRONLY | os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		startByte = 0
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		os.Remove(req.PartialPath)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	if result.Resumed && req.Hash != nil {
		if err := hashFile(req.PartialPath, req.Hash); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(req.PartialPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}
	defer file.Close()

	if resp.ContentLength > 0 {
		result.Total = resp.ContentLength + startByte
	}

	var body io.Reader = resp.Body
	if req.WrapBody != nil {
		body = req.WrapBody(body)
	}

	var sink io.Writer = bufio.NewWriterSize(file, 256*1024)
	buffered := sink.(*bufio.Writer)
	if req.Hash != nil {
		sink = io.MultiWriter(sink, req.Hash)
	}

	written := startByte
	buffer := make([]byte, 64*1024)
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if _, err := sink.Write(buffer[:n]); err != nil {
				return nil, fmt.Errorf("failed to write to file: %w", err)
			}
			written += int64(n)
			if req.Progress != nil {
				req.Progress(written, result.Total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			buffered.Flush()
			return nil, fmt.Errorf("error reading response: %w", readErr)
		}
	}

	if err := buffered.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush buffer: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close partial file: %w", err)
	}

	if result.Total > 0 && written < result.Total {
		return nil, fmt.Errorf("download incomplete: %d of %d bytes", written, result.Total)
	}

	if err := os.Rename(req.PartialPath, req.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to move file to final location: %w", err)
	}

	result.Bytes = written
	if result.Total == 0 {
		result.Total = written
	}
	return result, nil
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download failed with status: %d", e.StatusCode)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func hashFile(path string, h hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open partial file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash partial file: %w", err)
	}
	return nil
}
