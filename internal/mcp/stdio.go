package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"stas-mcp-bridge/internal/session"
)

// maxMessageSize bounds a single line-delimited JSON-RPC message.
const maxMessageSize = 4 << 20

// ServeStdio reads line-delimited JSON-RPC messages from r and writes one
// response line per request to w. It returns when r is exhausted or ctx ends.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	conn := Conn{ID: "stdio", Transport: "stdio", Session: session.New("stdio")}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		resp := s.Handle(ctx, conn, line)
		if resp == nil {
			continue
		}
		if err := writeLine(out, resp); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading from stdin: %w", err)
	}
	return nil
}

func writeLine(w *bufio.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return w.Flush()
}
