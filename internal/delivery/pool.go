package delivery

import (
	"bytes"

	"github.com/strada-io/strada/pkg/protocol"
)

// scratch is one reusable wire-message workspace: a Response shell plus an
// encode buffer. At most one in-flight serialization holds a scratch at a
// time; reuse keeps the per-message footprint flat, it is never a
// data-sharing channel.
type scratch struct {
	resp protocol.Response
	buf  bytes.Buffer
}

// scratchPool is a fixed-size pool of scratch workspaces, sized to the
// maximum configured concurrency. acquire blocks when all workspaces are
// checked out, which bounds concurrent serializations.
type scratchPool struct {
	ch chan *scratch
}

func newScratchPool(size int) *scratchPool {
	if size < 1 {
		size = 1
	}
	p := &scratchPool{ch: make(chan *scratch, size)}
	for i := 0; i < size; i++ {
		p.ch <- &scratch{}
	}
	return p
}

func (p *scratchPool) acquire() *scratch {
	return <-p.ch
}

// release must run on every exit path of a checkout, including callback
// panics; callers pair it with defer.
func (p *scratchPool) release(s *scratch) {
	s.resp.Reset()
	s.buf.Reset()
	p.ch <- s
}
