package deflate

// Command is one LZ77 production: either a literal byte or a
// (length, distance) back-reference into the sliding window, mirroring
// the C++ lz_command's literal/backref union.
type Command struct {
	Literal bool
	Char    byte
	Length  uint16
	Dist    uint16
}

// NewLiteral builds a literal-byte command.
func NewLiteral(ch byte) Command { return Command{Literal: true, Char: ch, Length: 1} }

// NewMatch builds a back-reference command.
func NewMatch(length, dist uint16) Command { return Command{Length: length, Dist: dist} }

const (
	minBackrefLength = 3
	// maxBackrefLength is DEFLATE's longest expressible back-reference
	// (RFC 1951 length code 285), per spec.md §4.C "length is clamped to
	// 258" — a match finder that let length run any longer would hand
	// encodeSize a value outside the length-code table.
	maxBackrefLength = 258
	// maxChainSearch bounds how many candidate positions sharing a hash
	// bucket are compared before settling for the best match found so
	// far, keeping match search from degrading to O(n) per byte on
	// pathological repetitive input.
	maxChainSearch = 128
)

// window is a fixed-capacity history buffer addressed by absolute,
// ever-increasing position (pos % capacity gives the physical slot),
// the same indexing scheme as the C++ ringbuffer used by zchain/lz_ostream.
type window struct {
	buf []byte
	pos int64 // absolute position of the next byte to be written
}

func newWindow(capacity int) *window {
	return &window{buf: make([]byte, capacity)}
}

func (w *window) cap() int64 { return int64(len(w.buf)) }

func (w *window) push(b byte) int64 {
	p := w.pos
	w.buf[p%w.cap()] = b
	w.pos++
	return p
}

// at returns the byte at absolute position p, which must lie within
// [pos-capacity, pos).
func (w *window) at(p int64) byte { return w.buf[p%w.cap()] }

// LZEncoder finds LZ77 back-references over a byte stream using a
// hash-chain of 3-byte prefixes, per spec.md §4.C and
// include/cobra/compress/lz.hh's lz_ostream.
//
// table maps a hash to the most recent ("head") position seen for it;
// chain links each head back to the previous occurrence of the same
// hash. headHash/headValid record, per physical ring slot, which hash's
// head entry currently lives there, so that slot can be evicted from
// table the moment it's about to be overwritten — matching lz.hh's
// remove_link, called just before a ring_buffer insert would otherwise
// leave the table holding a dangling position (spec.md §9's "remove
// stale head nodes from the hash table before overwriting their slot").
type LZEncoder struct {
	win       *window
	chain     []int64 // chain[p % windowSize] = previous position sharing the same hash, or -1
	table     map[uint32]int64
	headHash  []uint32
	headValid []bool

	buffer []byte
	head   int
}

// NewLZEncoder builds an encoder with the given sliding-window size
// (DEFLATE's maximum backward distance is 32768).
func NewLZEncoder(windowSize int) *LZEncoder {
	chain := make([]int64, windowSize)
	for i := range chain {
		chain[i] = -1
	}
	return &LZEncoder{
		win:       newWindow(windowSize),
		chain:     chain,
		table:     make(map[uint32]int64),
		headHash:  make([]uint32, windowSize),
		headValid: make([]bool, windowSize),
	}
}

// markHead records that hash's chain head now lives at position p, for
// later eviction when p's ring slot is about to be reused.
func (e *LZEncoder) markHead(p int64, hash uint32) {
	slot := p % e.win.cap()
	e.headHash[slot] = hash
	e.headValid[slot] = true
}

// evictStale removes the table entry for whatever hash's head currently
// occupies the ring slot about to be overwritten by the next push, if
// that entry is still the one live there (a newer head for the same hash
// may already have superseded it). Must be called before win.push
// advances pos past that slot.
func (e *LZEncoder) evictStale() {
	slot := e.win.pos % e.win.cap()
	if !e.headValid[slot] {
		return
	}
	hash := e.headHash[slot]
	oldPos := e.win.pos - e.win.cap()
	if oldPos >= 0 {
		if cur, ok := e.table[hash]; ok && cur == oldPos {
			delete(e.table, hash)
		}
	}
	e.headValid[slot] = false
}

// pushByte evicts the stale head (if any) about to be overwritten, then
// writes b into the window, returning its absolute position.
func (e *LZEncoder) pushByte(b byte) int64 {
	e.evictStale()
	return e.win.push(b)
}

// Write buffers data for matching; call Drain (possibly repeatedly) to
// pull finished commands out, and Flush at end-of-input to emit
// whatever remains buffered as literals/matches.
func (e *LZEncoder) Write(data []byte) {
	if e.head > 0 && e.head == len(e.buffer) {
		e.buffer = e.buffer[:0]
		e.head = 0
	}
	e.buffer = append(e.buffer, data...)
}

// Drain emits as many commands as can be produced without requiring
// more input than is currently buffered, appending them to dst and
// returning the extended slice.
func (e *LZEncoder) Drain(dst []Command) []Command {
	for {
		cmd, ok := e.produceOne(false)
		if !ok {
			return dst
		}
		dst = append(dst, cmd)
	}
}

// Flush emits every remaining buffered byte (as literals or matches,
// allowing matches to run up to the buffer's end) and returns the
// extended command slice; call once at end-of-stream.
func (e *LZEncoder) Flush(dst []Command) []Command {
	for len(e.buffer)-e.head > 0 {
		cmd, ok := e.produceOne(true)
		if !ok {
			break
		}
		dst = append(dst, cmd)
	}
	return dst
}

func (e *LZEncoder) remaining() []byte { return e.buffer[e.head:] }

// produceOne emits a single command from the front of the buffer.
// When atEOF is false, it refuses to start a new production with fewer
// than minBackrefLength bytes available, since more input might still
// extend a match; atEOF lifts that restriction for the final flush.
func (e *LZEncoder) produceOne(atEOF bool) (Command, bool) {
	buf := e.remaining()
	if len(buf) == 0 {
		return Command{}, false
	}
	if len(buf) < minBackrefLength {
		if !atEOF {
			return Command{}, false
		}
		return e.writeLiteral(), true
	}

	hash := hash3(buf[0], buf[1], buf[2])
	head, ok := e.table[hash]
	if ok && e.win.pos-head > e.win.cap() {
		// Defensive backstop: the bookkeeping above should already have
		// evicted this entry before its slot was reused, but never trust
		// a head position more than one window behind — comparing
		// against it would alias data that's since been overwritten.
		delete(e.table, hash)
		ok = false
	}
	if !ok {
		cmd := e.writeLiteral()
		p := e.win.pos - 1
		e.chain[p%e.win.cap()] = -1
		e.table[hash] = p
		e.markHead(p, hash)
		return cmd, true
	}

	bestLen := 0
	bestPos := head
	searched := 0
	for cand := head; cand >= 0 && searched < maxChainSearch; searched++ {
		if e.win.pos-cand > e.win.cap() {
			// Stale link into an already-overwritten ring slot; nothing
			// beyond this point in the chain is any fresher.
			break
		}
		length := e.matchLength(cand, buf)
		if length > bestLen {
			bestLen = length
			bestPos = cand
			if length >= maxBackrefLength {
				break
			}
		}
		next := e.chain[cand%e.win.cap()]
		if next >= cand {
			break // guards against a corrupted/self-referential chain
		}
		cand = next
	}

	if bestLen < minBackrefLength {
		cmd := e.writeLiteral()
		p := e.win.pos - 1
		e.chain[p%e.win.cap()] = head
		e.table[hash] = p
		e.markHead(p, hash)
		return cmd, true
	}
	if !atEOF && bestLen == len(buf) {
		// the match might still extend with more input; wait for it,
		// unless this is the final flush.
		return Command{}, false
	}

	dist := e.win.pos - bestPos
	cmd := NewMatch(uint16(bestLen), uint16(dist))
	prevInChain := head
	for i := 0; i < bestLen; i++ {
		p := e.pushByte(buf[i])
		if i == 0 {
			e.chain[p%e.win.cap()] = prevInChain
		} else {
			e.chain[p%e.win.cap()] = -1
		}
	}
	e.table[hash] = e.win.pos - int64(bestLen)
	e.markHead(e.win.pos-int64(bestLen), hash)
	e.head += bestLen
	return cmd, true
}

func (e *LZEncoder) writeLiteral() Command {
	ch := e.remaining()[0]
	e.pushByte(ch)
	e.head++
	return NewLiteral(ch)
}

// matchLength returns how many leading bytes of buf match the window
// history starting at absolute position cand, allowing the match to
// run past the current window end into buf itself (overlapping
// back-references, as DEFLATE permits).
func (e *LZEncoder) matchLength(cand int64, buf []byte) int {
	limit := len(buf)
	if limit > maxBackrefLength {
		limit = maxBackrefLength
	}
	n := 0
	for n < limit {
		var have byte
		srcPos := cand + int64(n)
		if srcPos < e.win.pos {
			have = e.win.at(srcPos)
		} else {
			// overlapping reference: the source byte is one we are
			// about to emit from buf itself.
			have = buf[srcPos-e.win.pos]
		}
		if have != buf[n] {
			break
		}
		n++
	}
	return n
}

// hash3 packs three bytes into a 24-bit key, matching lz_ostream::peek_hash
// (a direct prefix key rather than a scrambled hash, sufficient since the
// table is keyed by exact 3-byte value).
func hash3(a, b, c byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16
}
