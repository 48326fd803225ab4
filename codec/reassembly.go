package codec

import "sync"

// Assembler rebuilds messages from the fragments of a single peer.
// It is not safe for concurrent use; each peer's inbound path owns one.
type Assembler struct {
	total     int
	fragments map[int][]byte
}

// Push feeds one frame. It returns the decompressed message once every fragment arrived.
//
// Index 0 always starts a new message and discards any incomplete one. Frames whose
// total disagrees with the message in flight, or that arrive before any index 0, are dropped.
func (a *Assembler) Push(frame []byte) ([]byte, bool, error) {
	index, total, err := ParseHeader(frame)
	if err != nil {
		return nil, false, err
	}
	payload := frame[HeaderSize:]

	if index == 0 {
		a.Reset()
		if total == 1 {
			msg, err := Decompress(payload)
			if err != nil {
				return nil, false, err
			}
			return msg, true, nil
		}
		a.total = total
		a.fragments = make(map[int][]byte, total)
	}

	if a.fragments == nil || total != a.total {
		return nil, false, nil
	}
	if _, seen := a.fragments[index]; !seen {
		a.fragments[index] = append([]byte(nil), payload...)
	}
	if len(a.fragments) < a.total {
		return nil, false, nil
	}

	compressed := a.join()
	a.Reset()

	msg, err := Decompress(compressed)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// Pending reports whether a partially received message is buffered.
func (a *Assembler) Pending() bool {
	return a.fragments != nil
}

// Reset drops any partially received message.
func (a *Assembler) Reset() {
	a.total = 0
	a.fragments = nil
}

// Indices are always below total, so a complete set is exactly 0..total-1.
func (a *Assembler) join() []byte {
	size := 0
	for _, fragment := range a.fragments {
		size += len(fragment)
	}
	out := make([]byte, 0, size)
	for i := 0; i < a.total; i++ {
		out = append(out, a.fragments[i]...)
	}
	return out
}

// Reassembler keys Assemblers by peer so one decoder can serve many links.
type Reassembler struct {
	mu    sync.Mutex
	peers map[string]*Assembler
}

// NewReassembler creates an empty peer-keyed reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{peers: make(map[string]*Assembler)}
}

// Decode feeds one frame received from peerID.
func (r *Reassembler) Decode(peerID string, frame []byte) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	assembler := r.peers[peerID]
	if assembler == nil {
		assembler = &Assembler{}
		r.peers[peerID] = assembler
	}

	msg, done, err := assembler.Push(frame)
	if !assembler.Pending() {
		delete(r.peers, peerID)
	}
	return msg, done, err
}

// Clear drops the reassembly state of one peer. Clearing an unknown peer is a no-op.
func (r *Reassembler) Clear(peerID string) {
	r.mu.Lock()
	delete(r.peers, peerID)
	r.mu.Unlock()
}

// Pending reports whether peerID has an incomplete message buffered.
func (r *Reassembler) Pending(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	assembler := r.peers[peerID]
	return assembler != nil && assembler.Pending()
}
