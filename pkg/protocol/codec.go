package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	frameHeaderSize = 13

	// DefaultBlockSize is used when a request asks for a block below MinBlockSize.
	DefaultBlockSize = 0x10000
	// MinBlockSize is the smallest block size a request may carry.
	MinBlockSize = 100
	// MaxFrameSize bounds a single frame on the wire.
	MaxFrameSize = 16 << 20
)

// ErrFraming matches every *FramingError via errors.Is.
var ErrFraming = errors.New("framing error")

// FramingError reports a frame that cannot be decoded.
type FramingError struct {
	Type   Type
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	msg := fmt.Sprintf("framing error (%s): %s", e.Type, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FramingError) Is(target error) bool { return target == ErrFraming }

func (e *FramingError) Unwrap() error { return e.Err }

func framingErr(t Type, reason string, err error) *FramingError {
	return &FramingError{Type: t, Reason: reason, Err: err}
}

// CodecOptions configures a Codec.
type CodecOptions struct {
	Encoding         Encoding
	Separator        string
	DefaultBlockSize int
	MinBlockSize     int
	// OnClamp is called when a decoded request carries a block size below
	// MinBlockSize and the default is substituted.
	OnClamp func(requested, used int)
}

// Codec converts packets to and from frames:
// [type:1][headerLen:4][middleLen:4][endLen:4][header][middle][end], big-endian.
// A Codec is immutable and safe for concurrent use.
type Codec struct {
	opts   CodecOptions
	fields fieldCodec
}

// NewCodec applies defaults to opts and returns a Codec.
func NewCodec(opts CodecOptions) *Codec {
	if opts.Separator == "" {
		opts.Separator = SeparatorBar
	}
	if opts.DefaultBlockSize <= 0 {
		opts.DefaultBlockSize = DefaultBlockSize
	}
	if opts.MinBlockSize <= 0 {
		opts.MinBlockSize = MinBlockSize
	}
	c := &Codec{opts: opts}
	c.fields = c.fieldsFor(opts.Encoding)
	return c
}

// Encoding reports the encoding used for outgoing textual sections.
func (c *Codec) Encoding() Encoding { return c.opts.Encoding }

// WithEncoding returns a copy of c that encodes with enc.
func (c *Codec) WithEncoding(enc Encoding) *Codec {
	if enc == c.opts.Encoding {
		return c
	}
	opts := c.opts
	opts.Encoding = enc
	return &Codec{opts: opts, fields: c.fieldsFor(enc)}
}

func (c *Codec) fieldsFor(enc Encoding) fieldCodec {
	if enc == EncodingJSON {
		return jsonFields{}
	}
	return textFields{separator: c.opts.Separator}
}

type sections struct {
	header, middle, end []byte
}

type packetCodec struct {
	// textual packets carry fields in their header and are subject to
	// encoding detection.
	textual bool
	// minimum section lengths; anything shorter is a framing error.
	minHeader, minMiddle, minEnd int
	encode                       func(c *Codec, fc fieldCodec, p Packet) (sections, error)
	decode                       func(c *Codec, fc fieldCodec, s sections) (Packet, error)
}

var packetCodecs map[Type]packetCodec

func init() {
	packetCodecs = map[Type]packetCodec{
		TypeAuthent:      {textual: true, minHeader: 1, minMiddle: 1, minEnd: 1, encode: encodeAuthent, decode: decodeAuthent},
		TypeRequest:      {textual: true, minHeader: 1, minMiddle: 2, encode: encodeRequest, decode: decodeRequest},
		TypeValid:        {textual: true, minHeader: 1, minEnd: 1, encode: encodeValid, decode: decodeValid},
		TypeError:        {textual: true, minHeader: 1, minEnd: 4, encode: encodeError, decode: decodeError},
		TypeData:         {minHeader: 4, encode: encodeData, decode: decodeData},
		TypeEndTransfer:  {minHeader: 1, encode: encodeEndTransfer, decode: decodeEndTransfer},
		TypeEndRequest:   {minHeader: 4, minMiddle: 1, encode: encodeEndRequest, decode: decodeEndRequest},
		TypeBlockRequest: {minHeader: 2, encode: encodeBlockRequest, decode: decodeBlockRequest},
		TypeShutdown:     {minHeader: 1, minMiddle: 1, encode: encodeShutdown, decode: decodeShutdown},
		TypeBusiness:     {minMiddle: 1, encode: encodeBusiness, decode: decodeBusiness},
	}
}

// Encode frames p using the codec's encoding.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.New("encode: nil packet")
	}
	t := p.Type()
	pc, ok := packetCodecs[t]
	if !ok {
		return nil, fmt.Errorf("encode: unknown packet type %s", t)
	}
	s, err := pc.encode(c, c.fields, p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	if pc.textual && c.fields.encoding() == EncodingText && len(s.header) > 0 && s.header[0] == jsonSentinel {
		return nil, fmt.Errorf("encode %s: header may not start with %q in text encoding", t, jsonSentinel)
	}
	total := frameHeaderSize + len(s.header) + len(s.middle) + len(s.end)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: frame size %d exceeds %d", t, total, MaxFrameSize)
	}
	buf := make([]byte, total)
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(s.header)))
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(s.middle)))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(s.end)))
	n := frameHeaderSize
	n += copy(buf[n:], s.header)
	n += copy(buf[n:], s.middle)
	copy(buf[n:], s.end)
	return buf, nil
}

// Decode parses a complete frame. Textual packets are decoded in whichever
// encoding their header shows. Byte slices in the result alias frame.
func (c *Codec) Decode(frame []byte) (Packet, error) {
	if len(frame) < frameHeaderSize {
		return nil, framingErr(0, fmt.Sprintf("short frame: %d bytes", len(frame)), nil)
	}
	t := Type(frame[0])
	pc, ok := packetCodecs[t]
	if !ok {
		return nil, framingErr(t, "unknown packet type", nil)
	}
	hl := int32(binary.BigEndian.Uint32(frame[1:5]))
	ml := int32(binary.BigEndian.Uint32(frame[5:9]))
	el := int32(binary.BigEndian.Uint32(frame[9:13]))
	if hl < 0 || ml < 0 || el < 0 {
		return nil, framingErr(t, fmt.Sprintf("negative section length %d/%d/%d", hl, ml, el), nil)
	}
	declared := int64(frameHeaderSize) + int64(hl) + int64(ml) + int64(el)
	if declared != int64(len(frame)) {
		return nil, framingErr(t, fmt.Sprintf("declared length %d, have %d", declared, len(frame)), nil)
	}
	if int(hl) < pc.minHeader || int(ml) < pc.minMiddle || int(el) < pc.minEnd {
		return nil, framingErr(t, "missing mandatory section", nil)
	}
	off := frameHeaderSize
	s := sections{
		header: frame[off : off+int(hl)],
		middle: frame[off+int(hl) : off+int(hl)+int(ml)],
		end:    frame[off+int(hl)+int(ml):],
	}
	fc := c.fields
	if pc.textual {
		if s.header[0] == jsonSentinel {
			fc = jsonFields{}
		} else {
			fc = textFields{separator: c.opts.Separator}
		}
	}
	p, err := pc.decode(c, fc, s)
	if err != nil {
		var fe *FramingError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, framingErr(t, "bad field", err)
	}
	return p, nil
}

func opt(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func parseInt(key, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return n, nil
}

// parseCode accepts a code as its character or, as JSON peers may send it,
// as the character's numeric value. Every code is printable, so a numeric
// form always has at least two digits.
func parseCode(key, v string) (ErrorCode, error) {
	switch len(v) {
	case 0:
		return CodeUnknown, nil
	case 1:
		return ErrorCode(v[0]), nil
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil || n < ' ' {
		return 0, fmt.Errorf("field %s: code %q is not one character", key, v)
	}
	return ErrorCode(n), nil
}

func codeString(c ErrorCode) string {
	if c == 0 {
		return string(rune(CodeUnknown))
	}
	return string(rune(c))
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeAuthent(_ *Codec, fc fieldCodec, p Packet) (sections, error) {
	a := p.(Authent)
	if a.HostID == "" || len(a.Key) == 0 {
		return sections{}, errors.New("host id and key are required")
	}
	h, err := fc.encode([]field{strField("host", a.HostID), strField("version", a.Version)})
	if err != nil {
		return sections{}, err
	}
	return sections{header: h, middle: a.Key, end: []byte{byte(a.Way)}}, nil
}

func decodeAuthent(_ *Codec, fc fieldCodec, s sections) (Packet, error) {
	v, err := fc.decode(s.header, []string{"host", "version"}, 1)
	if err != nil {
		return nil, err
	}
	if v[0] == "" {
		return nil, errors.New("empty host id")
	}
	return Authent{HostID: v[0], Version: v[1], Key: s.middle, Way: Way(s.end[0])}, nil
}

var requestKeys = []string{"filename", "block", "rank", "id", "code", "length"}

// requestHeader returns the field codec for a request's header section. In
// text form the header is always blank separated; the negotiated separator
// applies to the middle section only.
func requestHeader(fc fieldCodec) fieldCodec {
	if _, ok := fc.(textFields); ok {
		return textFields{separator: SeparatorBlank}
	}
	return fc
}

func encodeRequest(_ *Codec, fc fieldCodec, p Packet) (sections, error) {
	r := p.(Request)
	if r.Rule == "" || !r.Mode.Valid() {
		return sections{}, errors.New("rule and mode are required")
	}
	if r.Filename == "" {
		return sections{}, errors.New("filename is required")
	}
	h, err := requestHeader(fc).encode([]field{strField("rule", r.Rule), intField("mode", int64(r.Mode))})
	if err != nil {
		return sections{}, err
	}
	m, err := fc.encode([]field{
		strField("filename", r.Filename),
		intField("block", int64(r.BlockSize)),
		intField("rank", int64(r.Rank)),
		intField("id", r.TransferID),
		strField("code", codeString(r.Code)),
		intField("length", r.OriginalSize),
	})
	if err != nil {
		return sections{}, err
	}
	middle := make([]byte, 0, len(m)+1)
	middle = append(middle, byte(r.Way))
	middle = append(middle, m...)
	return sections{header: h, middle: middle, end: []byte(r.FileInfo)}, nil
}

func decodeRequest(c *Codec, fc fieldCodec, s sections) (Packet, error) {
	h, err := requestHeader(fc).decode(s.header, []string{"rule", "mode"}, 2)
	if err != nil {
		return nil, err
	}
	mode, err := ParseMode(h[1])
	if err != nil {
		return nil, err
	}
	m, err := fc.decode(s.middle[1:], requestKeys, 5)
	if err != nil {
		return nil, err
	}
	block, err := parseInt("block", m[1])
	if err != nil {
		return nil, err
	}
	rank, err := parseInt("rank", m[2])
	if err != nil {
		return nil, err
	}
	if rank < 0 || rank > int64(^uint32(0)) {
		return nil, fmt.Errorf("field rank: %d out of range", rank)
	}
	id, err := parseInt("id", m[3])
	if err != nil {
		return nil, err
	}
	code, err := parseCode("code", m[4])
	if err != nil {
		return nil, err
	}
	length, err := parseInt("length", m[5])
	if err != nil {
		return nil, err
	}
	bs := int(block)
	if bs < c.opts.MinBlockSize {
		if c.opts.OnClamp != nil {
			c.opts.OnClamp(bs, c.opts.DefaultBlockSize)
		}
		bs = c.opts.DefaultBlockSize
	}
	return Request{
		Rule:         h[0],
		Mode:         mode,
		Filename:     m[0],
		BlockSize:    bs,
		Rank:         uint32(rank),
		TransferID:   id,
		Way:          Way(s.middle[0]),
		Code:         code,
		OriginalSize: length,
		FileInfo:     string(s.end),
	}, nil
}

func encodeValid(_ *Codec, fc fieldCodec, p Packet) (sections, error) {
	v := p.(Valid)
	h, err := fc.encode([]field{
		strField("code", codeString(v.Code)),
		intField("rank", int64(v.Rank)),
		intField("size", v.Size),
	})
	if err != nil {
		return sections{}, err
	}
	var m []byte
	if v.Message != "" || fc.encoding() == EncodingJSON {
		if m, err = fc.encode([]field{strField("message", v.Message)}); err != nil {
			return sections{}, err
		}
	}
	return sections{header: h, middle: m, end: []byte{byte(v.Kind)}}, nil
}

func decodeValid(_ *Codec, fc fieldCodec, s sections) (Packet, error) {
	h, err := fc.decode(s.header, []string{"code", "rank", "size"}, 2)
	if err != nil {
		return nil, err
	}
	code, err := parseCode("code", h[0])
	if err != nil {
		return nil, err
	}
	rank, err := parseInt("rank", h[1])
	if err != nil {
		return nil, err
	}
	if rank < 0 || rank > int64(^uint32(0)) {
		return nil, fmt.Errorf("field rank: %d out of range", rank)
	}
	size, err := parseInt("size", h[2])
	if err != nil {
		return nil, err
	}
	m, err := fc.decode(s.middle, []string{"message"}, 0)
	if err != nil {
		return nil, err
	}
	return Valid{Kind: ValidKind(s.end[0]), Code: code, Rank: uint32(rank), Size: size, Message: m[0]}, nil
}

func encodeError(_ *Codec, fc fieldCodec, p Packet) (sections, error) {
	e := p.(Error)
	if e.Action < ActionIgnore || e.Action > ActionForwardClose {
		return sections{}, fmt.Errorf("invalid error action %d", e.Action)
	}
	h, err := fc.encode([]field{strField("code", codeString(e.Code)), strField("message", e.Message)})
	if err != nil {
		return sections{}, err
	}
	return sections{header: h, end: u32(uint32(e.Action))}, nil
}

func decodeError(_ *Codec, fc fieldCodec, s sections) (Packet, error) {
	h, err := fc.decode(s.header, []string{"code", "message"}, 1)
	if err != nil {
		return nil, err
	}
	code, err := parseCode("code", h[0])
	if err != nil {
		return nil, err
	}
	if len(s.end) != 4 {
		return nil, fmt.Errorf("action section is %d bytes", len(s.end))
	}
	action := ErrorAction(binary.BigEndian.Uint32(s.end))
	if action < ActionIgnore || action > ActionForwardClose {
		return nil, fmt.Errorf("invalid error action %d", action)
	}
	return Error{Code: code, Message: h[1], Action: action}, nil
}

func encodeData(_ *Codec, _ fieldCodec, p Packet) (sections, error) {
	d := p.(Data)
	return sections{header: u32(d.Rank), middle: d.Payload, end: d.Checksum}, nil
}

func decodeData(_ *Codec, _ fieldCodec, s sections) (Packet, error) {
	if len(s.header) != 4 {
		return nil, framingErr(TypeData, fmt.Sprintf("rank section is %d bytes", len(s.header)), nil)
	}
	return Data{Rank: binary.BigEndian.Uint32(s.header), Payload: opt(s.middle), Checksum: opt(s.end)}, nil
}

func encodeEndTransfer(_ *Codec, _ fieldCodec, p Packet) (sections, error) {
	e := p.(EndTransfer)
	return sections{header: []byte{byte(e.Way)}, middle: e.Digest}, nil
}

func decodeEndTransfer(_ *Codec, _ fieldCodec, s sections) (Packet, error) {
	return EndTransfer{Way: Way(s.header[0]), Digest: opt(s.middle)}, nil
}

func encodeEndRequest(_ *Codec, _ fieldCodec, p Packet) (sections, error) {
	e := p.(EndRequest)
	code := e.Code
	if code == 0 {
		code = CodeUnknown
	}
	return sections{header: u32(uint32(code)), middle: []byte{byte(e.Way)}, end: []byte(e.Message)}, nil
}

func decodeEndRequest(_ *Codec, _ fieldCodec, s sections) (Packet, error) {
	if len(s.header) != 4 {
		return nil, framingErr(TypeEndRequest, fmt.Sprintf("code section is %d bytes", len(s.header)), nil)
	}
	code := binary.BigEndian.Uint32(s.header)
	if code > 0xff {
		return nil, fmt.Errorf("code %d out of range", code)
	}
	return EndRequest{Code: ErrorCode(code), Way: Way(s.middle[0]), Message: string(s.end)}, nil
}

func encodeBlockRequest(_ *Codec, _ fieldCodec, p Packet) (sections, error) {
	b := p.(BlockRequest)
	if len(b.Key) == 0 {
		return sections{}, errors.New("key is required")
	}
	h := make([]byte, 0, len(b.Key)+1)
	h = append(h, boolByte(b.Block))
	h = append(h, b.Key...)
	return sections{header: h}, nil
}

func decodeBlockRequest(_ *Codec, _ fieldCodec, s sections) (Packet, error) {
	return BlockRequest{Block: s.header[0] != 0, Key: s.header[1:]}, nil
}

func encodeShutdown(_ *Codec, _ fieldCodec, p Packet) (sections, error) {
	sd := p.(Shutdown)
	if len(sd.Key) == 0 {
		return sections{}, errors.New("key is required")
	}
	return sections{header: sd.Key, middle: []byte{boolByte(sd.Restart)}}, nil
}

func decodeShutdown(_ *Codec, _ fieldCodec, s sections) (Packet, error) {
	return Shutdown{Key: s.header, Restart: s.middle[0] != 0}, nil
}

func encodeBusiness(_ *Codec, _ fieldCodec, p Packet) (sections, error) {
	b := p.(Business)
	return sections{header: b.Payload, middle: []byte{byte(b.Way)}}, nil
}

func decodeBusiness(_ *Codec, _ fieldCodec, s sections) (Packet, error) {
	return Business{Payload: opt(s.header), Way: Way(s.middle[0])}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
