package relay

import (
	"testing"
	"time"

	"github.com/outpost-sh/outpost/internal/domain"
	"github.com/outpost-sh/outpost/internal/log"
	"github.com/outpost-sh/outpost/internal/wire"
)

func TestPendingSubmitAssignsUniqueIDs(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		p := pt.submit("ghost-whiskey")
		if p.id == "" {
			t.Fatal("empty correlation id")
		}
		if seen[p.id] {
			t.Fatalf("duplicate correlation id %q", p.id)
		}
		seen[p.id] = true
	}
	if pt.count() != 200 {
		t.Fatalf("expected 200 pending entries, got %d", pt.count())
	}
}

func TestPendingDeliverSettlesOnce(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())
	p := pt.submit("ghost-whiskey")

	resp := wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{ID: p.id, Status: 200, Body: "ok"}}
	pt.deliver(resp)
	// A duplicate delivery for an already-settled id must be a no-op, not a
	// second settlement or a panic on a closed channel.
	pt.deliver(resp)

	env, ok := <-p.ch
	if !ok {
		t.Fatal("expected settlement envelope")
	}
	if env.Type != wire.TypeResponse || env.Response.Body != "ok" {
		t.Fatalf("unexpected settlement: %+v", env)
	}
	if _, ok := <-p.ch; ok {
		t.Fatal("channel should be closed after the terminal envelope")
	}
	if pt.count() != 0 {
		t.Fatalf("settled entry still in table: %d", pt.count())
	}
}

func TestPendingDeliverUnknownIDIsNoop(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())

	pt.deliver(wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{ID: "nope", Status: 200}})
	if pt.count() != 0 {
		t.Fatalf("unexpected entries: %d", pt.count())
	}
}

func TestPendingChunkedDeliveryKeepsEntryOpen(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())
	p := pt.submit("ghost-whiskey")

	pt.deliver(wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{ID: p.id, Status: 200, Chunked: true}})
	if pt.count() != 1 {
		t.Fatal("chunked head must keep the entry open")
	}
	pt.deliver(wire.Envelope{Type: wire.TypeResponseChunk, Chunk: &wire.Chunk{ID: p.id, Body: "part"}})
	pt.deliver(wire.Envelope{Type: wire.TypeResponseEnd, Chunk: &wire.Chunk{ID: p.id}})
	if pt.count() != 0 {
		t.Fatal("response_end must settle the entry")
	}

	var types []string
	for env := range p.ch {
		types = append(types, env.Type)
	}
	want := []string{wire.TypeResponse, wire.TypeResponseChunk, wire.TypeResponseEnd}
	if len(types) != len(want) {
		t.Fatalf("stream envelopes: got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("stream envelopes: got %v, want %v", types, want)
		}
	}
}

func TestPendingTimeoutSettlesWithGatewayTimeout(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(20*time.Millisecond, log.Discard())
	p := pt.submit("ghost-whiskey")

	select {
	case env := <-p.ch:
		if env.Type != wire.TypeError {
			t.Fatalf("expected error envelope, got %q", env.Type)
		}
		if env.Error.Code != domain.CodeGatewayTimeout {
			t.Fatalf("expected %s, got %s", domain.CodeGatewayTimeout, env.Error.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	if pt.count() != 0 {
		t.Fatalf("timed-out entry still in table: %d", pt.count())
	}
}

func TestPendingCancelAllForSessionScopesToOneSession(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())

	a1 := pt.submit("ghost-whiskey")
	a2 := pt.submit("ghost-whiskey")
	b := pt.submit("swift-falcon")

	pt.cancelAllForSession("ghost-whiskey")

	for _, p := range []*pendingRequest{a1, a2} {
		env, ok := <-p.ch
		if !ok {
			t.Fatal("cancelled entry should settle with an error envelope")
		}
		if env.Type != wire.TypeError || env.Error.Code != domain.CodeDeveloperDisconnected {
			t.Fatalf("expected %s, got %+v", domain.CodeDeveloperDisconnected, env)
		}
	}

	// The other session's request is completely untouched and still settles
	// normally.
	select {
	case env := <-b.ch:
		t.Fatalf("unrelated session's request was disturbed: %+v", env)
	default:
	}
	if pt.count() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", pt.count())
	}

	pt.deliver(wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{ID: b.id, Status: 204}})
	env := <-b.ch
	if env.Type != wire.TypeResponse || env.Response.Status != 204 {
		t.Fatalf("surviving request did not settle: %+v", env)
	}
}

func TestPendingCancelDropsWithoutSettlement(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())
	p := pt.submit("ghost-whiskey")

	pt.cancel(p.id)
	select {
	case <-p.done:
	default:
		t.Fatal("cancel should mark the request abandoned")
	}
	select {
	case env := <-p.ch:
		t.Fatalf("cancel delivered an envelope: %+v", env)
	default:
	}
	if pt.count() != 0 {
		t.Fatalf("cancelled entry still in table: %d", pt.count())
	}
	// Cancelling again is a no-op.
	pt.cancel(p.id)
}

func TestPendingBackpressureKeepsEveryChunk(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())
	p := pt.submit("ghost-whiskey")

	// Deliver far more chunks than the channel buffers before the reader
	// starts draining. Every one must arrive: delivery blocks instead of
	// dropping, and the end marker is never lost.
	const chunks = pendingChanBuffer + 36
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		pt.deliver(wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{ID: p.id, Status: 200, Chunked: true}})
		for i := 0; i < chunks; i++ {
			pt.deliver(wire.Envelope{Type: wire.TypeResponseChunk, Chunk: &wire.Chunk{ID: p.id, Body: "part"}})
		}
		pt.deliver(wire.Envelope{Type: wire.TypeResponseEnd, Chunk: &wire.Chunk{ID: p.id}})
	}()

	// Let the sender saturate the buffer before draining.
	time.Sleep(20 * time.Millisecond)

	var got int
	sawEnd := false
	for env := range p.ch {
		switch env.Type {
		case wire.TypeResponseChunk:
			got++
		case wire.TypeResponseEnd:
			sawEnd = true
		}
	}
	<-delivered
	if got != chunks || !sawEnd {
		t.Fatalf("received %d of %d chunks, end marker=%v: body truncated", got, chunks, sawEnd)
	}
}

func TestPendingCancelReleasesBlockedDelivery(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())
	p := pt.submit("ghost-whiskey")

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		pt.deliver(wire.Envelope{Type: wire.TypeResponse, Response: &wire.Response{ID: p.id, Status: 200, Chunked: true}})
		for i := 0; i < pendingChanBuffer+8; i++ {
			pt.deliver(wire.Envelope{Type: wire.TypeResponseChunk, Chunk: &wire.Chunk{ID: p.id, Body: "part"}})
		}
	}()

	time.Sleep(20 * time.Millisecond)
	pt.cancel(p.id)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel left the delivery goroutine blocked")
	}
}

func TestPendingFailMapsWrappedSentinels(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Minute, log.Discard())

	cases := []struct {
		err  error
		code string
	}{
		{&domain.TunnelError{SessionID: "ghost-whiskey", Op: "forward request", Err: domain.ErrDeveloperDisconnected}, domain.CodeDeveloperDisconnected},
		{&domain.TunnelError{SessionID: "ghost-whiskey", Op: "forward request", Err: domain.ErrNotConnected}, domain.CodeDeveloperNotConnected},
		{domain.ErrRequestTimeout, domain.CodeGatewayTimeout},
	}
	for _, tc := range cases {
		p := pt.submit("ghost-whiskey")
		pt.fail(p.id, tc.err)
		env, ok := <-p.ch
		if !ok || env.Type != wire.TypeError {
			t.Fatalf("fail(%v) did not settle with an error envelope", tc.err)
		}
		if env.Error.Code != tc.code {
			t.Fatalf("fail(%v): got code %s, want %s", tc.err, env.Error.Code, tc.code)
		}
	}

	// Unknown ids stay a no-op.
	pt.fail("nope", domain.ErrRequestTimeout)
}

func TestPendingSweepEnforcesCeiling(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Hour, log.Discard())
	p := pt.submit("ghost-whiskey")

	pt.sweep(time.Now().Add(2*time.Minute), time.Minute)
	env, ok := <-p.ch
	if !ok || env.Type != wire.TypeError || env.Error.Code != domain.CodeGatewayTimeout {
		t.Fatalf("ceiling sweep should settle with a timeout error, got %+v ok=%v", env, ok)
	}
	if pt.count() != 0 {
		t.Fatalf("swept entry still in table: %d", pt.count())
	}

	// Sweeping again finds nothing.
	pt.sweep(time.Now().Add(2*time.Minute), time.Minute)
}

func TestPendingSweepSparesYoungEntries(t *testing.T) {
	t.Parallel()
	pt := newPendingTable(time.Hour, log.Discard())
	p := pt.submit("ghost-whiskey")

	pt.sweep(time.Now(), time.Minute)
	select {
	case env := <-p.ch:
		t.Fatalf("young entry swept: %+v", env)
	default:
	}
	if pt.count() != 1 {
		t.Fatalf("young entry removed: %d", pt.count())
	}
}
