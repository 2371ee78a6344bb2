package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/jarvis-ops/jarvis/internal/tools"
)

// StdioServer serves a Registry over newline-delimited JSON on the given
// reader/writer pair, inverting the client-role framing the teacher's
// stdio MCP transport dials out to: here the process IS the server,
// reading Requests from its own stdin and writing Responses/Notify frames
// to its own stdout.
type StdioServer struct {
	registry *tools.Registry
	logger   *slog.Logger
	audit    AuditRecorder
	metrics  MetricsRecorder

	writeMu sync.Mutex
	out     io.Writer
}

// NewStdioServer builds a server over registry, writing newline-delimited
// JSON to out; Serve supplies the reader. audit and metrics may be nil, disabling
// audit logging and metrics recording for calls on this server.
func NewStdioServer(registry *tools.Registry, logger *slog.Logger, out io.Writer, audit AuditRecorder, metrics MetricsRecorder) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{
		registry: registry,
		logger:   logger.With("component", component, "transport", "stdio"),
		audit:    audit,
		metrics:  metrics,
		out:      out,
	}
}

// Serve reads one JSON Request per line from in until EOF, ctx
// cancellation, or a read error. Each Request is dispatched in its own
// goroutine so concurrent calls on the connection are interleaved by id,
// as the wire protocol requires; writes to out are serialized.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader) error {
	session := NewSession(s.registry, s.logger, s.writeNotify, s.audit, s.metrics)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(errorResponse(nil, CodeBadArgs, "malformed request: "+err.Error()))
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			resp := session.Handle(ctx, req)
			s.writeResponse(resp)
		}(req)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return scanner.Err()
}

func (s *StdioServer) writeResponse(resp Response) {
	s.writeFrame(resp)
}

func (s *StdioServer) writeNotify(n Notify) error {
	s.writeFrame(n)
	return nil
}

func (s *StdioServer) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal frame", "error", err)
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("write frame", "error", err)
	}
}
