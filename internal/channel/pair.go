// Package channel provides the channel-pair abstraction used to move stream
// data between the calling context and the worker context. A Pair links two
// single-use endpoints: the local endpoint stays with the caller, the remote
// endpoint travels across the execution-context boundary as a bare token and
// is bound to a live stream on the other side by the worker.
//
// Bytes written locally into an outbound pair become readable remotely, and
// vice versa, preserving order. Backpressure is inherent: the local half is
// an in-process pipe whose writer blocks until the transport pump consumes
// it, and the transport itself rides a flow-controlled gRPC stream.
package channel

import (
	"io"
	"sync/atomic"

	"github.com/google/uuid"
)

// Direction states which way payload bytes flow through a pair.
type Direction int

const (
	// Outbound pairs carry bytes from the caller to the worker: the caller
	// keeps the writable endpoint.
	Outbound Direction = iota
	// Inbound pairs carry bytes from the worker to the caller: the caller
	// keeps the readable endpoint.
	Inbound
)

// Pair is a linked pair of single-use stream endpoints. Each endpoint may be
// claimed exactly once; claiming one twice, or claiming the end a pair's
// direction does not expose, is a programming error and panics.
type Pair struct {
	token string
	dir   Direction

	pr *io.PipeReader
	pw *io.PipeWriter

	localTaken     atomic.Bool
	transportTaken atomic.Bool
}

// NewPair constructs two linked endpoints. The remote endpoint is identified
// by Token and is prepared for transfer; the local endpoint is claimed via
// LocalWriter or LocalReader depending on direction.
func NewPair(dir Direction) *Pair {
	pr, pw := io.Pipe()
	return &Pair{token: uuid.NewString(), dir: dir, pr: pr, pw: pw}
}

// Token is the transferable identity of the remote endpoint.
func (p *Pair) Token() string { return p.token }

// Direction reports which way payload bytes flow.
func (p *Pair) Direction() Direction { return p.dir }

// LocalWriter claims the caller-side writable endpoint of an outbound pair.
// CloseWithError on the returned writer propagates a source failure across
// the boundary to the consuming job.
func (p *Pair) LocalWriter() *io.PipeWriter {
	if p.dir != Outbound {
		panic("channel: LocalWriter on inbound pair")
	}
	p.claimLocal()
	return p.pw
}

// LocalReader claims the caller-side readable endpoint of an inbound pair.
func (p *Pair) LocalReader() io.ReadCloser {
	if p.dir != Inbound {
		panic("channel: LocalReader on outbound pair")
	}
	p.claimLocal()
	return p.pr
}

// TransportReader claims the pump-side end of an outbound pair: everything
// the local writer produced, in order, ready to be framed across the
// boundary.
func (p *Pair) TransportReader() *io.PipeReader {
	if p.dir != Outbound {
		panic("channel: TransportReader on inbound pair")
	}
	p.claimTransport()
	return p.pr
}

// TransportWriter claims the pump-side end of an inbound pair: frames
// arriving from the boundary are written here and surface on the local
// reader. The PipeWriter's CloseWithError propagates a remote job failure to
// the consumer of that item's stream.
func (p *Pair) TransportWriter() *io.PipeWriter {
	if p.dir != Inbound {
		panic("channel: TransportWriter on outbound pair")
	}
	p.claimTransport()
	return p.pw
}

func (p *Pair) claimLocal() {
	if !p.localTaken.CompareAndSwap(false, true) {
		panic("channel: local endpoint already bound")
	}
}

func (p *Pair) claimTransport() {
	if !p.transportTaken.CompareAndSwap(false, true) {
		panic("channel: transport endpoint already bound")
	}
}
