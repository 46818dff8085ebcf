package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cliprelay/cliprelay/internal/ids"
)

var (
	// ErrFrameTooLarge is returned when a frame's serialized size exceeds
	// MaxFrameBytes.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

	// ErrMalformedFrame is returned when a frame cannot be parsed: bad
	// version, unknown kind, truncated body, or a length mismatch.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// Envelope is the outer wire unit shared by every frame kind:
//
//	uint8 version | uint8 kind | uint32_be length | bytes[length] body
type Envelope struct {
	Kind uint8
	Body []byte
}

// Encode serializes the envelope deterministically. Encode never panics;
// callers are expected to size their inputs (spec.md §4.1).
func (e *Envelope) Encode() ([]byte, error) {
	total := HeaderSize + len(e.Body)
	if total > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, total)
	buf[0] = Version
	buf[1] = e.Kind
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(e.Body)))
	copy(buf[HeaderSize:], e.Body)
	return buf, nil
}

// DecodeEnvelope parses the outer envelope from buf. It does not validate
// that the kind is recognized; callers dispatch on Kind themselves.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	if len(buf) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrMalformedFrame)
	}

	version := buf[0]
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, version)
	}

	kind := buf[1]
	length := binary.BigEndian.Uint32(buf[2:6])

	if HeaderSize+int(length) != len(buf) {
		return nil, fmt.Errorf("%w: length mismatch", ErrMalformedFrame)
	}

	body := make([]byte, length)
	copy(body, buf[HeaderSize:])

	return &Envelope{Kind: kind, Body: body}, nil
}

// ============================================================================
// Control frame bodies
// ============================================================================

// Hello is the payload of the first frame a connection must send.
type Hello struct {
	RoomID     ids.RoomID
	DeviceID   ids.DeviceID
	DeviceName string
}

// Encode serializes Hello to bytes: room_id(32) | device_id(16) |
// name_len(u16_be) | name.
func (h *Hello) Encode() []byte {
	name := []byte(h.DeviceName)
	buf := make([]byte, ids.RoomIDSize+ids.DeviceIDSize+2+len(name))
	offset := 0
	copy(buf[offset:], h.RoomID[:])
	offset += ids.RoomIDSize
	copy(buf[offset:], h.DeviceID[:])
	offset += ids.DeviceIDSize
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(name)))
	offset += 2
	copy(buf[offset:], name)
	return buf
}

// DecodeHello parses a Hello body.
func DecodeHello(buf []byte) (*Hello, error) {
	const minLen = ids.RoomIDSize + ids.DeviceIDSize + 2
	if len(buf) < minLen {
		return nil, fmt.Errorf("%w: Hello too short", ErrMalformedFrame)
	}

	h := &Hello{}
	offset := 0
	copy(h.RoomID[:], buf[offset:offset+ids.RoomIDSize])
	offset += ids.RoomIDSize
	copy(h.DeviceID[:], buf[offset:offset+ids.DeviceIDSize])
	offset += ids.DeviceIDSize

	nameLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+nameLen != len(buf) {
		return nil, fmt.Errorf("%w: Hello name length mismatch", ErrMalformedFrame)
	}
	h.DeviceName = string(buf[offset : offset+nameLen])

	return h, nil
}

// PeerDescriptor identifies one device within presence frames.
type PeerDescriptor struct {
	DeviceID   ids.DeviceID
	DeviceName string
}

func encodePeerDescriptor(buf []byte, p PeerDescriptor) []byte {
	buf = append(buf, p.DeviceID[:]...)
	name := []byte(p.DeviceName)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(name)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, name...)
	return buf
}

func decodePeerDescriptor(buf []byte, offset int) (PeerDescriptor, int, error) {
	var p PeerDescriptor
	if offset+ids.DeviceIDSize+2 > len(buf) {
		return p, offset, fmt.Errorf("%w: peer descriptor truncated", ErrMalformedFrame)
	}
	copy(p.DeviceID[:], buf[offset:offset+ids.DeviceIDSize])
	offset += ids.DeviceIDSize

	nameLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+nameLen > len(buf) {
		return p, offset, fmt.Errorf("%w: peer descriptor name truncated", ErrMalformedFrame)
	}
	p.DeviceName = string(buf[offset : offset+nameLen])
	offset += nameLen

	return p, offset, nil
}

// PeerList is sent to a newly admitted member, listing the members that
// were already in the room when it was admitted. The recipient itself is
// not included.
type PeerList struct {
	Devices []PeerDescriptor
}

// Encode serializes PeerList: count(u16_be) | descriptor...
func (p *PeerList) Encode() []byte {
	buf := make([]byte, 0, 2+len(p.Devices)*(ids.DeviceIDSize+2))
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(p.Devices)))
	buf = append(buf, countBuf[:]...)
	for _, d := range p.Devices {
		buf = encodePeerDescriptor(buf, d)
	}
	return buf
}

// DecodePeerList parses a PeerList body.
func DecodePeerList(buf []byte) (*PeerList, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: PeerList too short", ErrMalformedFrame)
	}
	count := int(binary.BigEndian.Uint16(buf))
	offset := 2

	p := &PeerList{Devices: make([]PeerDescriptor, 0, count)}
	for i := 0; i < count; i++ {
		d, next, err := decodePeerDescriptor(buf, offset)
		if err != nil {
			return nil, err
		}
		offset = next
		p.Devices = append(p.Devices, d)
	}
	if offset != len(buf) {
		return nil, fmt.Errorf("%w: PeerList trailing bytes", ErrMalformedFrame)
	}
	return p, nil
}

// PeerJoined is broadcast to prior members when a new device is admitted.
type PeerJoined struct {
	DeviceID   ids.DeviceID
	DeviceName string
}

// Encode serializes PeerJoined.
func (p *PeerJoined) Encode() []byte {
	return encodePeerDescriptor(nil, PeerDescriptor{DeviceID: p.DeviceID, DeviceName: p.DeviceName})
}

// DecodePeerJoined parses a PeerJoined body.
func DecodePeerJoined(buf []byte) (*PeerJoined, error) {
	d, offset, err := decodePeerDescriptor(buf, 0)
	if err != nil {
		return nil, err
	}
	if offset != len(buf) {
		return nil, fmt.Errorf("%w: PeerJoined trailing bytes", ErrMalformedFrame)
	}
	return &PeerJoined{DeviceID: d.DeviceID, DeviceName: d.DeviceName}, nil
}

// PeerLeft is broadcast to remaining members when a device disconnects.
type PeerLeft struct {
	DeviceID ids.DeviceID
}

// Encode serializes PeerLeft.
func (p *PeerLeft) Encode() []byte {
	buf := make([]byte, ids.DeviceIDSize)
	copy(buf, p.DeviceID[:])
	return buf
}

// DecodePeerLeft parses a PeerLeft body.
func DecodePeerLeft(buf []byte) (*PeerLeft, error) {
	if len(buf) != ids.DeviceIDSize {
		return nil, fmt.Errorf("%w: PeerLeft wrong length", ErrMalformedFrame)
	}
	p := &PeerLeft{}
	copy(p.DeviceID[:], buf)
	return p, nil
}

// SaltExchange carries the sorted device-id set used to derive the room
// key, broadcast to every member whenever that set changes.
type SaltExchange struct {
	DeviceIDs []ids.DeviceID
}

// Encode serializes SaltExchange: count(u16_be) | device_id(16)...
// DeviceIDs are encoded in the order given; callers are expected to pass
// the canonically-sorted set (see ids.SortDeviceIDs) so all recipients
// derive an identical HKDF salt.
func (s *SaltExchange) Encode() []byte {
	buf := make([]byte, 2+len(s.DeviceIDs)*ids.DeviceIDSize)
	binary.BigEndian.PutUint16(buf, uint16(len(s.DeviceIDs)))
	offset := 2
	for _, id := range s.DeviceIDs {
		copy(buf[offset:], id[:])
		offset += ids.DeviceIDSize
	}
	return buf
}

// DecodeSaltExchange parses a SaltExchange body.
func DecodeSaltExchange(buf []byte) (*SaltExchange, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: SaltExchange too short", ErrMalformedFrame)
	}
	count := int(binary.BigEndian.Uint16(buf))
	offset := 2
	if offset+count*ids.DeviceIDSize != len(buf) {
		return nil, fmt.Errorf("%w: SaltExchange length mismatch", ErrMalformedFrame)
	}

	s := &SaltExchange{DeviceIDs: make([]ids.DeviceID, count)}
	for i := 0; i < count; i++ {
		copy(s.DeviceIDs[i][:], buf[offset:offset+ids.DeviceIDSize])
		offset += ids.DeviceIDSize
	}
	return s, nil
}

// ============================================================================
// Payload frame body
// ============================================================================

// EncryptedMessage carries opaque, relay-forwarded ciphertext. The relay
// never inspects Ciphertext; it only validates SenderDeviceID against
// the admitted connection identity (spec.md §4.4).
type EncryptedMessage struct {
	SenderDeviceID ids.DeviceID
	Counter        uint64
	MIME           string
	Ciphertext     []byte
}

// Encode serializes EncryptedMessage: sender(16) | counter(u64_be) |
// mime_len(u16_be) | mime | ciphertext (remainder).
func (m *EncryptedMessage) Encode() []byte {
	mime := []byte(m.MIME)
	buf := make([]byte, ids.DeviceIDSize+8+2+len(mime)+len(m.Ciphertext))
	offset := 0
	copy(buf[offset:], m.SenderDeviceID[:])
	offset += ids.DeviceIDSize
	binary.BigEndian.PutUint64(buf[offset:], m.Counter)
	offset += 8
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(mime)))
	offset += 2
	copy(buf[offset:], mime)
	offset += len(mime)
	copy(buf[offset:], m.Ciphertext)
	return buf
}

// DecodeEncryptedMessage parses an EncryptedMessage body.
func DecodeEncryptedMessage(buf []byte) (*EncryptedMessage, error) {
	const minLen = ids.DeviceIDSize + 8 + 2
	if len(buf) < minLen {
		return nil, fmt.Errorf("%w: EncryptedMessage too short", ErrMalformedFrame)
	}

	m := &EncryptedMessage{}
	offset := 0
	copy(m.SenderDeviceID[:], buf[offset:offset+ids.DeviceIDSize])
	offset += ids.DeviceIDSize

	m.Counter = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	mimeLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+mimeLen > len(buf) {
		return nil, fmt.Errorf("%w: EncryptedMessage mime truncated", ErrMalformedFrame)
	}
	m.MIME = string(buf[offset : offset+mimeLen])
	offset += mimeLen

	m.Ciphertext = make([]byte, len(buf)-offset)
	copy(m.Ciphertext, buf[offset:])

	return m, nil
}

// ============================================================================
// Envelope reader/writer over a byte stream
// ============================================================================

// FrameReader reads length-prefixed envelopes from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads and decodes the next envelope.
func (fr *FrameReader) Read() (*Envelope, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	version := fr.header[0]
	kind := fr.header[1]
	length := binary.BigEndian.Uint32(fr.header[2:6])

	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, version)
	}
	if HeaderSize+int(length) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return nil, err
		}
	}

	return &Envelope{Kind: kind, Body: body}, nil
}

// FrameWriter writes envelopes to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a FrameWriter over w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write encodes and writes an envelope.
func (fw *FrameWriter) Write(e *Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}
