package deflate

import "io"

const (
	blockTypeStored  = 0
	blockTypeFixed   = 1
	blockTypeDynamic = 2
)

var inflateFixedTree = func() []int {
	t := make([]int, 288)
	for i := 0; i < 144; i++ {
		t[i] = 8
	}
	for i := 144; i < 256; i++ {
		t[i] = 9
	}
	for i := 256; i < 280; i++ {
		t[i] = 7
	}
	for i := 280; i < 288; i++ {
		t[i] = 8
	}
	return t
}()

// decodeExtra is the inverse of encodeExtra.
func decodeExtra(bs *BitReader, code, stride uint16) (uint16, error) {
	extraBits := code / stride
	blockOffset := (stride << extraBits) - stride
	startOffset := (code % stride) << extraBits
	bitsVal, err := bs.ReadBits(uint(extraBits))
	if err != nil {
		return 0, err
	}
	return startOffset + blockOffset + uint16(bitsVal), nil
}

func decodeCodeLen(bs *BitReader, code uint8) (int, error) {
	switch code {
	case 16:
		v, err := bs.ReadBits(2)
		return int(v) + 3, err
	case 17:
		v, err := bs.ReadBits(3)
		return int(v) + 3, err
	case 18:
		v, err := bs.ReadBits(7)
		return int(v) + 11, err
	default:
		return 1, nil
	}
}

func decodeSize(bs *BitReader, code uint16) (uint16, error) {
	switch {
	case code >= 286:
		return 0, newErr(ErrBadSizeCode, "literal/length code out of range")
	case code == 285:
		return 258, nil
	case code < 261:
		return code - 257 + 3, nil
	default:
		v, err := decodeExtra(bs, code-261, 4)
		if err != nil {
			return 0, err
		}
		return v + 7, nil
	}
}

func decodeDist(bs *BitReader, code uint16) (uint16, error) {
	switch {
	case code >= 30:
		return 0, newErr(ErrBadDistCode, "distance code out of range")
	case code < 2:
		return code + 1, nil
	default:
		v, err := decodeExtra(bs, code-2, 2)
		if err != nil {
			return 0, err
		}
		return v + 3, nil
	}
}

// Reader decodes a DEFLATE byte stream (RFC 1951), block by block, into
// a plain io.Reader, mirroring deflate.hh's inflate_istream state
// machine (state_init/state_write/state_read collapsed here into
// fill, which produces one block's worth of output per call).
type Reader struct {
	bs    *BitReader
	win   *window
	final bool

	out    []byte
	outPos int
}

// NewReader wraps r for DEFLATE decoding.
func NewReader(r ByteReader) *Reader {
	return &Reader{bs: NewBitReader(r), win: newWindow(1 << 15)}
}

func (rd *Reader) Read(p []byte) (int, error) {
	for rd.outPos >= len(rd.out) {
		if rd.final {
			return 0, io.EOF
		}
		if err := rd.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, rd.out[rd.outPos:])
	rd.outPos += n
	return n, nil
}

// fill decodes exactly one DEFLATE block into rd.out.
func (rd *Reader) fill() error {
	rd.out = rd.out[:0]
	rd.outPos = 0

	finalBit, err := rd.bs.ReadBits(1)
	if err != nil {
		return err
	}
	rd.final = finalBit == 1

	typ, err := rd.bs.ReadBits(2)
	if err != nil {
		return err
	}

	emit := func(b byte) {
		rd.win.push(b)
		rd.out = append(rd.out, b)
	}

	switch typ {
	case blockTypeStored:
		rd.bs.AlignByte()
		lenLo, err := rd.bs.ReadByteAligned()
		if err != nil {
			return err
		}
		lenHi, err := rd.bs.ReadByteAligned()
		if err != nil {
			return err
		}
		nlenLo, err := rd.bs.ReadByteAligned()
		if err != nil {
			return err
		}
		nlenHi, err := rd.bs.ReadByteAligned()
		if err != nil {
			return err
		}
		length := uint16(lenLo) | uint16(lenHi)<<8
		nlength := uint16(nlenLo) | uint16(nlenHi)<<8
		if length != ^nlength {
			return newErr(ErrBadLenCheck, "stored block length check mismatch")
		}
		for i := 0; i < int(length); i++ {
			b, err := rd.bs.ReadByteAligned()
			if err != nil {
				return err
			}
			emit(b)
		}
		return nil
	case blockTypeFixed:
		lt, err := NewInflateTree(inflateFixedTree, 15)
		if err != nil {
			return err
		}
		return rd.decodeBlock(lt, nil, emit)
	case blockTypeDynamic:
		lt, dt, err := rd.readDynamicTrees()
		if err != nil {
			return err
		}
		return rd.decodeBlock(lt, dt, emit)
	default:
		return newErr(ErrBadBlockType, "unsupported block type")
	}
}

func (rd *Reader) readDynamicTrees() (*InflateTree, *InflateTree, error) {
	hlBits, err := rd.bs.ReadBits(5)
	if err != nil {
		return nil, nil, err
	}
	hdBits, err := rd.bs.ReadBits(5)
	if err != nil {
		return nil, nil, err
	}
	hcBits, err := rd.bs.ReadBits(4)
	if err != nil {
		return nil, nil, err
	}
	hl, hd, hc := int(hlBits)+257, int(hdBits)+1, int(hcBits)+4

	lc := make([]int, 19)
	for i := 0; i < hc; i++ {
		v, err := rd.bs.ReadBits(3)
		if err != nil {
			return nil, nil, err
		}
		lc[frobnicationTable[i]] = int(v)
	}
	ct, err := NewInflateTree(lc, 7)
	if err != nil {
		return nil, nil, err
	}

	l := make([]int, 320)
	i := 0
	for i < hl+hd {
		sym, err := ct.Read(rd.bs)
		if err != nil {
			return nil, nil, err
		}
		n, err := decodeCodeLen(rd.bs, uint8(sym))
		if err != nil {
			return nil, nil, err
		}
		if i+n > hl+hd {
			return nil, nil, newErr(ErrBadTrees, "code length run overruns table")
		}
		var val int
		switch {
		case sym == 16:
			if i == 0 {
				return nil, nil, newErr(ErrBadTrees, "repeat code with no preceding length")
			}
			val = l[i-1]
		case sym == 17 || sym == 18:
			val = 0
		default:
			val = int(sym)
		}
		for ; n > 0; n-- {
			l[i] = val
			i++
		}
	}

	lt, err := NewInflateTree(l[:hl], 15)
	if err != nil {
		return nil, nil, err
	}
	dt, err := NewInflateTree(l[hl:hl+hd], 15)
	if err != nil {
		return nil, nil, err
	}
	return lt, dt, nil
}

func (rd *Reader) decodeBlock(lt, dt *InflateTree, emit func(byte)) error {
	for {
		code, err := lt.Read(rd.bs)
		if err != nil {
			return err
		}
		if code < 256 {
			emit(byte(code))
			continue
		}
		if code == 256 {
			return nil
		}
		size, err := decodeSize(rd.bs, code)
		if err != nil {
			return err
		}
		var distCode uint16
		if dt != nil {
			distCode, err = dt.Read(rd.bs)
		} else {
			var v uint64
			v, err = rd.bs.ReadBits(5)
			// Fixed distance codes are 5-bit Huffman codes, packed
			// most-significant bit first.
			distCode = uint16(reverseBits(uint32(v), 5))
		}
		if err != nil {
			return err
		}
		dist, err := decodeDist(rd.bs, distCode)
		if err != nil {
			return err
		}
		if int64(dist) > rd.win.pos {
			return newErr(ErrLongDistance, "back-reference precedes start of stream")
		}
		for i := uint16(0); i < size; i++ {
			emit(rd.win.at(rd.win.pos - int64(dist)))
		}
	}
}
