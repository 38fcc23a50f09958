package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/wire"
)

// maxEventBytes bounds a single pushed envelope on the fallback transport.
const maxEventBytes = 16 * 1024 * 1024

// runSSE serves the push+POST fallback: request envelopes arrive on a
// one-way event stream, responses go back as plain HTTP posts. Used when
// intermediary proxies corrupt WebSocket frames.
func (a *Agent) runSSE(ctx context.Context) error {
	streamURL := fmt.Sprintf("%s/tunnel/events?session=%s&role=%s",
		a.cfg.RelayURL, a.sessionID, domain.RoleDeveloper)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream stays open for the life of the transport; no client timeout.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("event stream refused: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	send := a.postEnvelope
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go a.heartbeatLoop(hbCtx, send)

	first := true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue // comment/ping frame
			}
			env, err := wire.Decode(data.Bytes())
			data.Reset()
			if err != nil {
				a.log.Warn("dropping malformed envelope", "err", err)
				continue
			}
			if first {
				first = false
				if env.Type == wire.TypeError {
					return fmt.Errorf("register rejected: %s: %s", env.Error.Code, env.Error.Message)
				}
				if env.Type == wire.TypeRegistered {
					a.log.Info("transport connected", "session_id", a.sessionID, "transport", "sse")
					continue
				}
			}
			a.dispatch(env, send)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("event stream closed")
}

// postEnvelope is the send half of the fallback transport.
func (a *Agent) postEnvelope(env wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	postURL := fmt.Sprintf("%s/tunnel/respond?session=%s", a.cfg.RelayURL, a.sessionID)
	req, err := http.NewRequest(http.MethodPost, postURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.control.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("respond rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
