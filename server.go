package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/richardartoul/filememo/backends"
	"github.com/richardartoul/filememo/pkg/filecache"
	"github.com/richardartoul/filememo/pkg/tiered"
	"github.com/richardartoul/filememo/pkg/vpath"
)

// Cmd represents a protocol command type.
type Cmd string

const (
	CmdGet       = Cmd("get")
	CmdPut       = Cmd("put")
	CmdExists    = Cmd("exists")
	CmdTimestamp = Cmd("timestamp")
	CmdCheck     = Cmd("check")
	CmdClose     = Cmd("close")
)

// ErrMalformedRequest is returned by ReadRequest for a line that is not a
// valid request. The server answers it with an error response and carries on.
var ErrMalformedRequest = errors.New("malformed request")

// Request is one line sent by a worker process.
type Request struct {
	ID      int64
	Command Cmd
	// Path is the virtual path operated on.
	Path string `json:",omitempty"`
	// LocalPath is the file to store for put.
	LocalPath string `json:",omitempty"`
	// Placement overrides the configured placement for put.
	Placement string `json:",omitempty"`
	// Force runs check even if the last scan is recent.
	Force bool `json:",omitempty"`
}

// Response is one line sent back to the worker.
type Response struct {
	ID            int64                  `json:",omitempty"`
	Err           string                 `json:",omitempty"`
	Retryable     bool                   `json:",omitempty"`
	KnownCommands []Cmd                  `json:",omitempty"`
	Miss          bool                   `json:",omitempty"`
	LocalPath     string                 `json:",omitempty"`
	Exists        bool                   `json:",omitempty"`
	Time          *time.Time             `json:",omitempty"`
	Check         *filecache.CheckReport `json:",omitempty"`
}

// Server serves newline-delimited JSON requests against a node's resolver so
// that worker processes not written in Go share its cache.
type Server struct {
	resolver      *tiered.Resolver
	placement     tiered.Placement
	checkInterval time.Duration
	logger        *slog.Logger
	scanner       *bufio.Scanner
	writer        *bufio.Writer
}

// NewServer creates a server reading requests from r and writing responses to w.
func NewServer(resolver *tiered.Resolver, placement tiered.Placement, checkInterval time.Duration, logger *slog.Logger, r io.Reader, w io.Writer) *Server {
	scanner := bufio.NewScanner(r)
	// Requests carry paths, not bodies, but stay generous for long keys.
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &Server{
		resolver:      resolver,
		placement:     placement,
		checkInterval: checkInterval,
		logger:        logger,
		scanner:       scanner,
		writer:        bufio.NewWriter(w),
	}
}

// SendResponse writes a response line and flushes it.
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return s.writer.Flush()
}

// SendInitialResponse sends the initial response with capabilities.
func (s *Server) SendInitialResponse() error {
	return s.SendResponse(Response{
		KnownCommands: []Cmd{CmdGet, CmdPut, CmdExists, CmdTimestamp, CmdCheck, CmdClose},
	})
}

// ReadRequest reads the next non-empty request line.
func (s *Server) ReadRequest() (*Request, error) {
	var line string
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = s.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("%w: %v (line: %q)", ErrMalformedRequest, err, line)
	}
	return &req, nil
}

// HandleRequest processes a single request and sends a response. Operation
// failures are reported in the response; only protocol failures are returned.
func (s *Server) HandleRequest(ctx context.Context, req *Request) error {
	resp := Response{ID: req.ID}
	if err := s.handle(ctx, req, &resp); err != nil {
		resp.Err = err.Error()
		resp.Retryable = backends.IsRetryable(err)
		s.logger.Debug("request failed", "id", req.ID, "command", req.Command, "path", req.Path, "error", err)
	}
	return s.SendResponse(resp)
}

func (s *Server) handle(ctx context.Context, req *Request, resp *Response) error {
	switch req.Command {
	case CmdGet:
		p, err := vpath.Parse(req.Path)
		if err != nil {
			return err
		}
		local, err := s.resolver.GetLocally(ctx, p)
		if errors.Is(err, backends.ErrNotFound) {
			resp.Miss = true
			return nil
		}
		if err != nil {
			return err
		}
		resp.LocalPath = local

	case CmdPut:
		p, err := vpath.Parse(req.Path)
		if err != nil {
			return err
		}
		if req.LocalPath == "" {
			return errors.New("put requires LocalPath")
		}
		placement := s.placement
		if req.Placement != "" {
			if placement, err = tiered.ParsePlacement(req.Placement); err != nil {
				return err
			}
		}
		if err := s.resolver.Upload(ctx, req.LocalPath, p, placement); err != nil {
			return err
		}
		resp.LocalPath = s.resolver.LocalPath(p)

	case CmdExists:
		p, err := vpath.Parse(req.Path)
		if err != nil {
			return err
		}
		if resp.Exists, err = s.resolver.InStorage(ctx, p); err != nil {
			return err
		}

	case CmdTimestamp:
		p, err := vpath.Parse(req.Path)
		if err != nil {
			return err
		}
		ts, err := s.resolver.Timestamp(ctx, p)
		if errors.Is(err, backends.ErrNotFound) {
			resp.Miss = true
			return nil
		}
		if err != nil {
			return err
		}
		resp.Time = &ts

	case CmdCheck:
		report, ran, err := runCheck(ctx, s.resolver.Cache(), s.checkInterval, req.Force)
		if err != nil {
			return err
		}
		if ran {
			resp.Check = &report
		}

	case CmdClose:
		// Will exit after sending response

	default:
		return fmt.Errorf("unknown command: %s", req.Command)
	}
	return nil
}

// Run sends the capabilities line and serves requests until EOF, close or
// cancellation of ctx.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := s.ReadRequest()
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrMalformedRequest) {
			s.logger.Warn("rejecting request", "error", err)
			if err := s.SendResponse(Response{Err: err.Error()}); err != nil {
				return fmt.Errorf("failed to send response: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := s.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		if req.Command == CmdClose {
			break
		}
	}

	return nil
}

// runCheck runs a consistency scan of cache if interval has passed since the
// last complete one, or unconditionally if force is set.
func runCheck(ctx context.Context, cache *filecache.FileLRU, interval time.Duration, force bool) (filecache.CheckReport, bool, error) {
	if !force {
		due, err := cache.NeedsCheck(interval)
		if err != nil {
			return filecache.CheckReport{}, false, err
		}
		if !due {
			return filecache.CheckReport{}, false, nil
		}
	}
	report, err := cache.CheckContent(ctx)
	if err != nil {
		return report, false, err
	}
	return report, true, nil
}
