package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope constants
const (
	MinPacketSize = 12
	MaxPacketSize = 2048

	// DefaultKey encrypts handshake traffic before a session key exists.
	DefaultKey = "Adobe Systems 02"

	// Offsets inside an encoded datagram
	idSize         = 4
	checksumSize   = 2
	headerSize     = idSize + checksumSize + 1 + 2 // id, checksum, marker, timestamp
	echoSize       = 2
	markerWithEcho = 0xFD
)

// Chunk types carried in the payload
const (
	ChunkKeepAlive      = 0x01
	ChunkHandshake      = 0x30
	ChunkHandshakeReply = 0x70
	ChunkKeepAliveReply = 0x41
	ChunkPadding        = 0xFF
)

var (
	ErrPacketTooShort = errors.New("packet too short")
	ErrBadLength      = errors.New("encrypted length is not a multiple of the block size")
	ErrChecksum       = errors.New("checksum mismatch")
)

// Envelope is a decrypted datagram.
type Envelope struct {
	ID        uint32
	Marker    uint8  // always has the high nibble set
	Timestamp uint16 // sender clock, 4ms units
	EchoTime  uint16 // only meaningful when HasEcho
	HasEcho   bool
	Payload   []byte // chunks, possibly followed by 0xFF padding
}

// FirstChunk returns the type of the first chunk, or ChunkPadding if the
// payload carries none.
func (e *Envelope) FirstChunk() uint8 {
	if len(e.Payload) == 0 {
		return ChunkPadding
	}
	return e.Payload[0]
}

// String returns a human-readable representation of the envelope
func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{ID:%d, Marker:0x%02x, Timestamp:%d, Echo:%v, PayloadLen:%d}",
		e.ID, e.Marker, e.Timestamp, e.HasEcho, len(e.Payload))
}

// Unpack extracts the session id from the first twelve bytes without
// decrypting: the first word is scrambled with the next two.
func Unpack(buf []byte) (uint32, error) {
	if len(buf) < MinPacketSize {
		return 0, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrPacketTooShort, MinPacketSize, len(buf))
	}
	return binary.BigEndian.Uint32(buf[0:4]) ^
		binary.BigEndian.Uint32(buf[4:8]) ^
		binary.BigEndian.Uint32(buf[8:12]), nil
}

// Codec encrypts and decrypts envelopes with one AES-128 key. It is safe for
// concurrent use.
type Codec struct {
	block cipher.Block
}

// NewCodec creates a codec for a 16-byte key.
func NewCodec(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if block.BlockSize() != aes.BlockSize || len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}
	return &Codec{block: block}, nil
}

// DefaultCodec returns the codec used before a session key is agreed.
func DefaultCodec() *Codec {
	c, err := NewCodec([]byte(DefaultKey))
	if err != nil {
		panic(err)
	}
	return c
}

// Decode decrypts and verifies buf. buf is not modified.
func (c *Codec) Decode(buf []byte) (*Envelope, error) {
	id, err := Unpack(buf)
	if err != nil {
		return nil, err
	}

	body := buf[idSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadLength, len(body))
	}

	plain := make([]byte, len(body))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, body)

	sum := binary.BigEndian.Uint16(plain[0:checksumSize])
	if got := Checksum(plain[checksumSize:]); got != sum {
		return nil, fmt.Errorf("%w: header says 0x%04x, computed 0x%04x", ErrChecksum, sum, got)
	}

	rest := plain[checksumSize:]
	if len(rest) < 3 {
		return nil, fmt.Errorf("%w: no marker and timestamp", ErrPacketTooShort)
	}

	env := &Envelope{
		ID:        id,
		Marker:    rest[0] | 0xF0,
		Timestamp: binary.BigEndian.Uint16(rest[1:3]),
	}
	rest = rest[3:]

	if env.Marker == markerWithEcho {
		if len(rest) < echoSize {
			return nil, fmt.Errorf("%w: missing echo time", ErrPacketTooShort)
		}
		env.HasEcho = true
		env.EchoTime = binary.BigEndian.Uint16(rest[0:2])
		rest = rest[echoSize:]
	}

	env.Payload = rest
	return env, nil
}

// Encode builds an encrypted datagram for session id. A non-nil echo adds the
// echo time field. The result is padded with 0xFF to the cipher block size.
func (c *Codec) Encode(id uint32, marker uint8, timestamp uint16, echo *uint16, payload []byte) ([]byte, error) {
	size := headerSize + len(payload)
	if echo != nil {
		size += echoSize
		marker = markerWithEcho
	}
	padding := (aes.BlockSize - (size-idSize)%aes.BlockSize) % aes.BlockSize
	size += padding
	if size > MaxPacketSize {
		return nil, fmt.Errorf("encoded packet of %d bytes exceeds %d", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	pos := idSize + checksumSize
	buf[pos] = marker
	binary.BigEndian.PutUint16(buf[pos+1:], timestamp)
	pos += 3
	if echo != nil {
		binary.BigEndian.PutUint16(buf[pos:], *echo)
		pos += echoSize
	}
	pos += copy(buf[pos:], payload)
	for ; pos < size; pos++ {
		buf[pos] = ChunkPadding
	}

	binary.BigEndian.PutUint16(buf[idSize:], Checksum(buf[idSize+checksumSize:]))

	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(buf[idSize:], buf[idSize:])

	binary.BigEndian.PutUint32(buf[0:4], id^
		binary.BigEndian.Uint32(buf[4:8])^
		binary.BigEndian.Uint32(buf[8:12]))
	return buf, nil
}

// Checksum is the 16-bit one's complement sum of data read as big-endian
// words. A trailing odd byte is added as is.
func Checksum(data []byte) uint16 {
	var sum uint32
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if len(data)&1 != 0 {
		sum += uint32(data[len(data)-1])
	}
	sum = (sum >> 16) + (sum & 0xFFFF)
	sum += sum >> 16
	return ^uint16(sum)
}
