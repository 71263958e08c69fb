package api

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dohr-michael/studio/internal/execution"
	"github.com/dohr-michael/studio/internal/protocol"
)

const (
	// RunPath opens an iterative agent run.
	RunPath = "/api/agent/run"
	// NDJSONContentType is the media type of a run stream.
	NDJSONContentType = "application/x-ndjson"
)

var doneMarker = []byte("[DONE]")

// OpenRun starts an iterative run and returns its record stream. Cancelling
// ctx aborts the request.
func (c *Client) OpenRun(ctx context.Context, run execution.RunRequest) (execution.StepStream, error) {
	req, err := c.newRequest(ctx, http.MethodPost, RunPath, nil, run)
	if err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}
	req.Header.Set("Accept", NDJSONContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open run: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("open run: %w", err)
	}
	return NewRunStream(resp.Body), nil
}

// RunStream decodes newline-delimited run records. Lines may carry an SSE
// style "data:" prefix; blank lines and ":" comments are skipped.
type RunStream struct {
	body io.ReadCloser
	r    *bufio.Reader
	done bool
}

func NewRunStream(body io.ReadCloser) *RunStream {
	return &RunStream{body: body, r: bufio.NewReader(body)}
}

// Next returns the next record, or io.EOF once the stream has ended.
func (s *RunStream) Next() (protocol.Inbound, error) {
	for !s.done {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read run stream: %w", err)
			}
			s.done = true
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			line = bytes.TrimSpace(rest)
		}
		if bytes.Equal(line, doneMarker) {
			s.done = true
			break
		}
		if len(line) == 0 {
			continue
		}
		return protocol.DecodeInbound(line)
	}
	return nil, io.EOF
}

func (s *RunStream) Close() error {
	s.done = true
	return s.body.Close()
}
