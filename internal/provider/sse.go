package provider

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"
)

// sseReader yields the data payloads of a server-sent event body
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEReader(body io.ReadCloser) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), core.MaxScannerBufferSize)
	return &sseReader{body: body, scanner: scanner}
}

// next returns the next data payload, or io.EOF when the body ends.
func (r *sseReader) next() (string, error) {
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == core.StreamChunkDoneMessage {
			return "", io.EOF
		}
		return data, nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *sseReader) Close() error {
	return r.body.Close()
}

// doJSON sends req and returns the response when it is 2xx; otherwise the body
// becomes an APIError.
func doJSON(client *http.Client, providerName string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := util.ReadLimitedBody(resp.Body)
		return nil, &APIError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Body:       util.TruncateString(strings.TrimSpace(string(body)), 400, 100, "..."),
		}
	}
	return resp, nil
}

// decodeBody reads a bounded JSON body into v.
func decodeBody(providerName string, resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	body, err := util.ReadLimitedBody(resp.Body)
	if err != nil {
		return fmt.Errorf("%s read response: %w", providerName, err)
	}
	if err := util.UnmarshalJSON(body, v); err != nil {
		return fmt.Errorf("%s parse response: %w", providerName, err)
	}
	return nil
}
