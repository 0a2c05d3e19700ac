package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
)

const (
	oggSig        = "OggS"
	oggHeaderSize = 27
	maxSegSize    = 255
)

// Ogg page header type flags.
const (
	oggFlagContinued = 0x1
	oggFlagFirstPage = 0x2
	oggFlagLastPage  = 0x4
)

var (
	errOggBadSignature = errors.New("invalid ogg page signature")
	errOggBadChecksum  = errors.New("ogg page checksum mismatch")
)

// OggPage is one page of an ogg bitstream. Each page written by OggWriter
// carries exactly one packet.
type OggPage struct {
	IsContinued bool
	IsFirstPage bool
	IsLastPage  bool

	GranulePosition uint64
	BitstreamSerial uint32
	PageSequence    uint32

	// SegmentTable is the lacing table of the page.
	SegmentTable []uint8

	// Payload is the concatenation of all segments in the page.
	Payload []byte
}

var checksumTable = crcChecksum()

// oggCRC computes the ogg flavor of CRC32 (no reflection, zero init).
func oggCRC(b []byte) uint32 {
	var checksum uint32
	for i := range b {
		checksum = (checksum << 8) ^ checksumTable[byte(checksum>>24)^b[i]]
	}
	return checksum
}

// OggWriter writes single-packet pages of a logical ogg bitstream.
type OggWriter struct {
	w       io.Writer
	serial  uint32
	pageSeq uint32
}

// NewOggWriter creates a writer with a random stream serial number.
func NewOggWriter(out io.Writer) *OggWriter {
	return &OggWriter{
		w:      out,
		serial: rand.Uint32(),
	}
}

// lacing splits the size of a packet into lacing values no larger than 255.
func lacing(size int) []uint8 {
	st := make([]uint8, 0, size/maxSegSize+1)
	for size >= maxSegSize {
		st = append(st, maxSegSize)
		size -= maxSegSize
	}

	// A packet that is a multiple of 255 bytes is terminated by a lacing
	// value smaller than 255 (possibly zero).
	return append(st, uint8(size))
}

// WritePacket writes payload as a full page. The first packet written is
// flagged as the beginning of the stream.
func (o *OggWriter) WritePacket(payload []byte, granulePosition uint64, last bool) error {
	segTable := lacing(len(payload))
	if len(segTable) > 255 {
		// Such a large payload requires splitting a single packet into
		// multiple ogg pages.
		return fmt.Errorf("packet of %d bytes does not fit in one page", len(payload))
	}

	page := OggPage{
		IsFirstPage:     o.pageSeq == 0,
		IsLastPage:      last,
		GranulePosition: granulePosition,
		BitstreamSerial: o.serial,
		PageSequence:    o.pageSeq,
		SegmentTable:    segTable,
		Payload:         payload,
	}
	if err := writeOggPage(o.w, &page); err != nil {
		return err
	}
	o.pageSeq++
	return nil
}

// Finish writes an empty end of stream page.
func (o *OggWriter) Finish(granulePosition uint64) error {
	return o.WritePacket(nil, granulePosition, true)
}

func writeOggPage(w io.Writer, p *OggPage) error {
	headerSize := oggHeaderSize + len(p.SegmentTable)
	buf := make([]byte, headerSize+len(p.Payload))

	var headerType uint8
	if p.IsContinued {
		headerType |= oggFlagContinued
	}
	if p.IsFirstPage {
		headerType |= oggFlagFirstPage
	}
	if p.IsLastPage {
		headerType |= oggFlagLastPage
	}

	copy(buf[0:], oggSig)
	buf[4] = 0 // version
	buf[5] = headerType
	binary.LittleEndian.PutUint64(buf[6:], p.GranulePosition)
	binary.LittleEndian.PutUint32(buf[14:], p.BitstreamSerial)
	binary.LittleEndian.PutUint32(buf[18:], p.PageSequence)
	buf[26] = uint8(len(p.SegmentTable))
	copy(buf[oggHeaderSize:], p.SegmentTable)
	copy(buf[headerSize:], p.Payload)

	// Checksum is computed with the checksum field zeroed.
	binary.LittleEndian.PutUint32(buf[22:], oggCRC(buf))

	_, err := w.Write(buf)
	return err
}

// OggReader reads pages and reassembles the packets of an ogg stream.
type OggReader struct {
	r io.Reader

	// partial holds data of a packet that continues on the next page.
	partial []byte
	pending [][]byte
	eos     bool
	granule uint64
}

// NewOggReader returns a reader over an ogg bitstream.
func NewOggReader(r io.Reader) *OggReader {
	return &OggReader{r: r}
}

// ReadPage reads and validates the next page.
func (o *OggReader) ReadPage() (*OggPage, error) {
	var hdr [oggHeaderSize]byte
	if _, err := io.ReadFull(o.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated ogg page header: %w", err)
		}
		return nil, err
	}
	if !bytes.Equal(hdr[:4], []byte(oggSig)) {
		return nil, errOggBadSignature
	}

	segTable := make([]uint8, hdr[26])
	if _, err := io.ReadFull(o.r, segTable); err != nil {
		return nil, fmt.Errorf("truncated ogg segment table: %w", err)
	}
	var payloadSize int
	for _, s := range segTable {
		payloadSize += int(s)
	}
	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(o.r, payload); err != nil {
		return nil, fmt.Errorf("truncated ogg page payload: %w", err)
	}

	wantCRC := binary.LittleEndian.Uint32(hdr[22:])
	binary.LittleEndian.PutUint32(hdr[22:], 0)
	crcBuf := make([]byte, 0, len(hdr)+len(segTable)+len(payload))
	crcBuf = append(crcBuf, hdr[:]...)
	crcBuf = append(crcBuf, segTable...)
	crcBuf = append(crcBuf, payload...)
	if gotCRC := oggCRC(crcBuf); gotCRC != wantCRC {
		return nil, fmt.Errorf("%w: got %08x, want %08x", errOggBadChecksum,
			gotCRC, wantCRC)
	}

	return &OggPage{
		IsContinued:     hdr[5]&oggFlagContinued != 0,
		IsFirstPage:     hdr[5]&oggFlagFirstPage != 0,
		IsLastPage:      hdr[5]&oggFlagLastPage != 0,
		GranulePosition: binary.LittleEndian.Uint64(hdr[6:]),
		BitstreamSerial: binary.LittleEndian.Uint32(hdr[14:]),
		PageSequence:    binary.LittleEndian.Uint32(hdr[18:]),
		SegmentTable:    segTable,
		Payload:         payload,
	}, nil
}

// ReadPacket returns the next complete packet of the stream. It returns
// io.EOF after the last packet.
func (o *OggReader) ReadPacket() ([]byte, error) {
	for len(o.pending) == 0 {
		if o.eos {
			return nil, io.EOF
		}
		page, err := o.ReadPage()
		if errors.Is(err, io.EOF) {
			if len(o.partial) > 0 {
				return nil, fmt.Errorf("stream ended with incomplete packet: %w",
					io.ErrUnexpectedEOF)
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		o.splitPage(page)
	}

	pkt := o.pending[0]
	o.pending = o.pending[1:]
	return pkt, nil
}

// Granule returns the granule position of the last page read.
func (o *OggReader) Granule() uint64 {
	return o.granule
}

func (o *OggReader) splitPage(page *OggPage) {
	if !page.IsContinued {
		o.partial = nil
	}
	o.granule = page.GranulePosition
	o.eos = page.IsLastPage

	var offset int
	for _, seg := range page.SegmentTable {
		o.partial = append(o.partial, page.Payload[offset:offset+int(seg)]...)
		offset += int(seg)
		if seg < maxSegSize {
			if len(o.partial) > 0 {
				o.pending = append(o.pending, o.partial)
			}
			o.partial = nil
		}
	}
}

// https://github.com/pion/webrtc/blob/67826b19141ec9e6f1002a2267008a016a118934/pkg/media/oggwriter/oggwriter.go#L245-L261
func crcChecksum() *[256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7

	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if (r & 0x80000000) != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
			table[i] = (r & 0xffffffff)
		}
	}
	return &table
}
