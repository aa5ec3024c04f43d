package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/freitascorp/gatewayd/internal/xerrors"
)

// callServerHTTPParams mirrors spec.md §4.G's callserverhttp request shape.
type callServerHTTPParams struct {
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body,omitempty"`
}

type callServerHTTPResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// handleCallServerHTTP performs one HTTP request against the running
// editor server's local socket by hand-writing the request line and
// headers over a fresh connection and parsing the reply with
// bufio.NewReader + http.ReadResponse — the stdlib response parser reused
// as a framing reader over an already-open socket, not as an HTTP client
// (see DESIGN.md's stdlib justification for this one case).
func (g *Gateway) handleCallServerHTTP(ctx context.Context, raw json.RawMessage) (any, error) {
	var p callServerHTTPParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, xerrors.BadParams("decode callserverhttp params", err)
	}

	g.mu.Lock()
	running := g.running
	g.mu.Unlock()
	if running == nil {
		return nil, xerrors.New(xerrors.Unavailable, "no editor server is running")
	}

	conn, err := dialServer(running.Match)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	method := p.Method
	if method == "" {
		method = http.MethodGet
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, p.Path)
	fmt.Fprintf(&buf, "Host: localhost\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(p.Body))

	keys := make([]string, 0, len(p.Headers))
	for k := range p.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, p.Headers[k])
	}
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(p.Body)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "write request to server socket", err)
	}

	reader := bufio.NewReader(conn)
	req, _ := http.NewRequest(method, p.Path, nil)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "parse server response", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transport, "read server response body", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return callServerHTTPResult{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}
