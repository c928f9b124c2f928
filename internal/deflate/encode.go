package deflate

import "math/bits"

// encToken is one emitted (code, extra-bits, extra-value) triple, the
// Go rendering of deflate.hh's nameless `token` struct used by both the
// length/distance encoders and the code-length RLE encoder.
type encToken struct {
	Code  uint16
	Extra uint
	Value uint16
}

// encodeExtra implements deflate.hh's `encode`: it maps a value into one
// of a run of buckets whose sizes double every `stride` codes, returning
// the bucket's code plus the extra bits needed to pick an exact value
// within it.
func encodeExtra(code, stride, value uint16) encToken {
	extraBits := uint16(bits.Len16(value/stride+1) - 1)
	blockOffset := (stride << extraBits) - stride
	startOffset := (value - blockOffset) >> extraBits
	value -= blockOffset + (startOffset << extraBits)
	return encToken{Code: extraBits*stride + startOffset + code, Extra: uint(extraBits), Value: value}
}

// encodeCodeLen encodes one run of `value` repeated code-length
// symbols, consuming up to max repeats, returning the token to emit and
// the remaining (unconsumed) run length.
func encodeCodeLen(code uint16, value int, max int) (encToken, int) {
	count := value
	if count > max {
		count = max
	}
	value -= count
	switch code {
	case 16:
		return encToken{Code: 16, Extra: 2, Value: uint16(count - 3)}, value
	case 17:
		return encToken{Code: 17, Extra: 3, Value: uint16(count - 3)}, value
	case 18:
		return encToken{Code: 18, Extra: 7, Value: uint16(count - 11)}, value
	default:
		return encToken{Code: code, Extra: 0, Value: 0}, value
	}
}

func encodeSize(size uint16) encToken {
	switch {
	case size == 258:
		return encToken{Code: 285}
	case size < 7:
		return encToken{Code: size + 257 - 3}
	default:
		return encodeExtra(261, 4, size-7)
	}
}

func encodeDist(dist uint16) encToken {
	if dist < 3 {
		return encToken{Code: dist - 1}
	}
	return encodeExtra(2, 2, dist-3)
}

// Writer turns a byte stream into a sequence of DEFLATE dynamic-Huffman
// blocks: incoming bytes feed an LZEncoder, whose commands are
// accumulated and periodically flushed as a block with freshly
// package-merge-planted trees, per deflate.hh's deflate_ostream_impl.
type Writer struct {
	bw *BitWriter
	lz *LZEncoder

	commands   []Command
	sizeWeight [288]uint64
	distWeight [32]uint64
}

// NewWriter wraps w, writing complete DEFLATE blocks to it.
func NewWriter(w ByteWriter) *Writer {
	dw := &Writer{bw: NewBitWriter(w), lz: NewLZEncoder(1 << 15)}
	dw.reset()
	return dw
}

func (dw *Writer) reset() {
	for i := range dw.sizeWeight {
		dw.sizeWeight[i] = 0
	}
	for i := range dw.distWeight {
		dw.distWeight[i] = 0
	}
	dw.commands = dw.commands[:0]
	dw.sizeWeight[256] = 1 // the end-of-block symbol always occurs exactly once
}

// Write feeds p through the LZ77 match finder, writing any commands it
// can already produce. It never blocks a command's production on more
// input than p supplies; call Flush/End to force remaining buffered
// bytes out.
func (dw *Writer) Write(p []byte) (int, error) {
	dw.lz.Write(p)
	cmds := dw.lz.Drain(nil)
	for _, c := range cmds {
		if err := dw.writeCommand(c); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (dw *Writer) writeCommand(c Command) error {
	dw.commands = append(dw.commands, c)
	if c.Literal {
		dw.sizeWeight[c.Char]++
	} else {
		dw.sizeWeight[encodeSize(c.Length).Code]++
		dw.distWeight[encodeDist(c.Dist).Code]++
	}
	if len(dw.commands) >= 1<<15 {
		return dw.flushBlock(false)
	}
	return nil
}

// Flush emits every byte written so far and forces a block boundary
// without marking it final, matching deflate_ostream_impl::flush's
// two-block sequence (the pending data, then an immediate empty block),
// then flushes the underlying writer. The bit stream is not padded: bits
// of the last block that do not fill a byte stay buffered until the next
// block or End.
func (dw *Writer) Flush() error {
	for _, c := range dw.lz.Flush(nil) {
		if err := dw.writeCommand(c); err != nil {
			return err
		}
	}
	if len(dw.commands) > 0 {
		if err := dw.flushBlock(false); err != nil {
			return err
		}
	}
	if err := dw.flushBlock(false); err != nil {
		return err
	}
	return dw.bw.FlushUnderlying()
}

// End drains any bytes still buffered in the LZ77 window, emits a final
// block, and pads/flushes the bit stream.
func (dw *Writer) End() error {
	cmds := dw.lz.Flush(nil)
	for _, c := range cmds {
		if err := dw.writeCommand(c); err != nil {
			return err
		}
	}
	if err := dw.flushBlock(true); err != nil {
		return err
	}
	return dw.bw.End()
}

func (dw *Writer) flushBlock(final bool) error {
	lt, err := PlantDeflateTree(dw.sizeWeight[:], 288, 15)
	if err != nil {
		return err
	}
	dt, err := PlantDeflateTree(dw.distWeight[:], 32, 15)
	if err != nil {
		return err
	}

	ltLengths := lt.codeLengths(257)
	dtLengths := dt.codeLengths(1)
	hl, hd := len(ltLengths), len(dtLengths)
	l := make([]int, hl+hd)
	copy(l, ltLengths)
	copy(l[hl:], dtLengths)

	var codeSeq []encToken
	for i := 0; i < len(l); {
		n := 1
		for i+n < len(l) && l[i] == l[i+n] {
			n++
		}
		m := n
		if l[i] == 0 {
			for n >= 11 {
				var tok encToken
				tok, n = encodeCodeLen(18, n, 138)
				codeSeq = append(codeSeq, tok)
			}
			for n >= 3 {
				var tok encToken
				tok, n = encodeCodeLen(17, n, 10)
				codeSeq = append(codeSeq, tok)
			}
		} else {
			var tok encToken
			tok, n = encodeCodeLen(uint16(l[i]), n, 1)
			codeSeq = append(codeSeq, tok)
			for n >= 3 {
				tok, n = encodeCodeLen(16, n, 6)
				codeSeq = append(codeSeq, tok)
			}
		}
		for n >= 1 {
			var tok encToken
			tok, n = encodeCodeLen(uint16(l[i]), n, 1)
			codeSeq = append(codeSeq, tok)
		}
		i += m
	}

	codeWeight := make([]uint64, 19)
	for _, tok := range codeSeq {
		codeWeight[tok.Code]++
	}
	ct, err := PlantDeflateTree(codeWeight, 19, 7)
	if err != nil {
		return err
	}
	lc := ct.frobnicatedLengths(4)
	hc := len(lc)

	var final64 uint64
	if final {
		final64 = 1
	}
	if err := dw.bw.WriteBits(final64, 1); err != nil {
		return err
	}
	if err := dw.bw.WriteBits(2, 2); err != nil {
		return err
	}
	if err := dw.bw.WriteBits(uint64(hl-257), 5); err != nil {
		return err
	}
	if err := dw.bw.WriteBits(uint64(hd-1), 5); err != nil {
		return err
	}
	if err := dw.bw.WriteBits(uint64(hc-4), 4); err != nil {
		return err
	}
	for i := 0; i < hc; i++ {
		if err := dw.bw.WriteBits(uint64(lc[i]), 3); err != nil {
			return err
		}
	}
	for _, tok := range codeSeq {
		if err := ct.Write(dw.bw, int(tok.Code)); err != nil {
			return err
		}
		if err := dw.bw.WriteBits(uint64(tok.Value), tok.Extra); err != nil {
			return err
		}
	}
	for _, c := range dw.commands {
		if c.Literal {
			if err := lt.Write(dw.bw, int(c.Char)); err != nil {
				return err
			}
			continue
		}
		sizeTok := encodeSize(c.Length)
		if err := lt.Write(dw.bw, int(sizeTok.Code)); err != nil {
			return err
		}
		if err := dw.bw.WriteBits(uint64(sizeTok.Value), sizeTok.Extra); err != nil {
			return err
		}
		distTok := encodeDist(c.Dist)
		if err := dt.Write(dw.bw, int(distTok.Code)); err != nil {
			return err
		}
		if err := dw.bw.WriteBits(uint64(distTok.Value), distTok.Extra); err != nil {
			return err
		}
	}
	if err := lt.Write(dw.bw, 256); err != nil {
		return err
	}
	dw.reset()
	return nil
}
