// Package report decodes streamer report uploads in their three wire
// formats: the fixed-layout binary format produced by device firmware,
// and the JSON and MessagePack variants produced by gateway software.
//
// The binary layout is a compatibility contract with deployed firmware
// and must not change without a version bump in the header format byte.
package report

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// FormatV1 is the only binary header format byte currently in the field.
	FormatV1 = 1

	HeaderLength  = 20
	ReadingLength = 16
	FooterLength  = 24

	// MinLength is a header plus a footer with no readings.
	MinLength = HeaderLength + FooterLength

	// DefaultMaxLength is the historical maximum transport size. Reports
	// whose declared length lands within one reading of this limit most
	// likely lost their final record in transit.
	DefaultMaxLength = 196608

	signatureLength = 16
)

var (
	// ErrUnsupportedFormat covers unknown header format bytes and
	// signature schemes we do not implement (anything but a plain hash).
	ErrUnsupportedFormat = errors.New("unsupported report format")

	// ErrCorruptReport covers checksum mismatches, byte streams shorter
	// than the declared length, and trailing bytes after the footer.
	ErrCorruptReport = errors.New("corrupt report")

	// ErrUnsupportedMediaType is returned for file extensions that do not
	// map to a known decoder.
	ErrUnsupportedMediaType = errors.New("unsupported report media type")
)

// rtcEpoch is the zero point for device real-time clocks. A device
// timestamp with the top bit set counts seconds from here rather than
// seconds since the last reboot.
var rtcEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const rtcFlag = uint32(1) << 31

// IsUTCTimestamp reports whether a device timestamp is RTC-tagged,
// i.e. self-sufficient and independent of any reboot epoch.
func IsUTCTimestamp(deviceTimestamp uint32) bool {
	return deviceTimestamp&rtcFlag != 0
}

// UTCTime converts an RTC-tagged device timestamp to an absolute time.
func UTCTime(deviceTimestamp uint32) time.Time {
	seconds := deviceTimestamp &^ rtcFlag
	return rtcEpoch.Add(time.Duration(seconds) * time.Second)
}

// Header is the 20-byte binary report header.
type Header struct {
	Format           uint8
	Length           int
	DeviceID         uint32
	ReportID         uint32
	SentTimestamp    uint32
	SignatureFlags   uint8
	StreamerIndex    uint8
	StreamerSelector uint16
}

// LikelyChopped reports whether the declared length sits within one
// reading of the transport maximum, meaning the last record was probably
// cut off in transit. The band is [max-ReadingLength, max).
func (h Header) LikelyChopped() bool {
	return h.Length >= DefaultMaxLength-ReadingLength && h.Length < DefaultMaxLength
}

// ExpectedReadingCount derives the reading count from the declared length.
func (h Header) ExpectedReadingCount() int {
	return (h.Length - HeaderLength - FooterLength) / ReadingLength
}

// RawReading is one 16-byte reading record.
type RawReading struct {
	Stream          uint16
	ID              uint32
	DeviceTimestamp uint32
	Value           uint32
}

// Footer is the 24-byte binary report footer. Signature is a SHA-256
// digest over every preceding byte, truncated to 16 bytes.
type Footer struct {
	LowestID  uint32
	HighestID uint32
	Signature [signatureLength]byte
}

// Parser decodes one binary report buffer. The parse methods are split
// so callers can validate the header and footer before committing to
// reading a potentially large body.
type Parser struct {
	Header Header
	Footer Footer
	Data   []RawReading

	raw []byte
}

func NewParser(raw []byte) *Parser {
	return &Parser{raw: raw}
}

// ParseHeader decodes and validates the fixed header.
func (p *Parser) ParseHeader() error {
	if len(p.raw) < HeaderLength {
		return fmt.Errorf("%w: %d bytes is too short for a header", ErrCorruptReport, len(p.raw))
	}

	b := p.raw
	p.Header = Header{
		Format:           b[0],
		Length:           int(binary.LittleEndian.Uint16(b[2:4]))<<8 | int(b[1]),
		DeviceID:         binary.LittleEndian.Uint32(b[4:8]),
		ReportID:         binary.LittleEndian.Uint32(b[8:12]),
		SentTimestamp:    binary.LittleEndian.Uint32(b[12:16]),
		SignatureFlags:   b[16],
		StreamerIndex:    b[17],
		StreamerSelector: binary.LittleEndian.Uint16(b[18:20]),
	}

	if p.Header.Format != FormatV1 {
		return fmt.Errorf("%w: format byte %d", ErrUnsupportedFormat, p.Header.Format)
	}
	if p.Header.SignatureFlags != 0 {
		// Only plain-hash footers are supported; HMAC variants are not.
		return fmt.Errorf("%w: signature flags %#x", ErrUnsupportedFormat, p.Header.SignatureFlags)
	}
	if p.Header.Length < MinLength {
		return fmt.Errorf("%w: declared length %d below minimum %d", ErrCorruptReport, p.Header.Length, MinLength)
	}

	return nil
}

// ParseFooter decodes the footer at the declared end of the report and
// rejects any trailing bytes beyond it.
func (p *Parser) ParseFooter() error {
	if len(p.raw) < p.Header.Length {
		return fmt.Errorf("%w: have %d bytes, header declares %d", ErrCorruptReport, len(p.raw), p.Header.Length)
	}
	if len(p.raw) > p.Header.Length {
		return fmt.Errorf("%w: %d trailing bytes after footer", ErrCorruptReport, len(p.raw)-p.Header.Length)
	}

	b := p.raw[p.Header.Length-FooterLength:]
	p.Footer.LowestID = binary.LittleEndian.Uint32(b[0:4])
	p.Footer.HighestID = binary.LittleEndian.Uint32(b[4:8])
	copy(p.Footer.Signature[:], b[8:24])

	return nil
}

// ParseReadings decodes the fixed-size reading records between header
// and footer.
func (p *Parser) ParseReadings() error {
	expected := p.Header.ExpectedReadingCount()
	if available := (len(p.raw) - MinLength) / ReadingLength; available < expected {
		return fmt.Errorf("%w: %d readings available, expected %d", ErrCorruptReport, available, expected)
	}

	p.Data = make([]RawReading, 0, expected)
	for i := 0; i < expected; i++ {
		b := p.raw[HeaderLength+i*ReadingLength:]
		p.Data = append(p.Data, RawReading{
			Stream:          binary.LittleEndian.Uint16(b[0:2]),
			ID:              binary.LittleEndian.Uint32(b[4:8]),
			DeviceTimestamp: binary.LittleEndian.Uint32(b[8:12]),
			Value:           binary.LittleEndian.Uint32(b[12:16]),
		})
	}

	return nil
}

// VerifyChecksum recomputes the truncated SHA-256 digest over everything
// before the embedded signature and compares in constant time. Callers
// must treat a mismatch as a hard validation failure.
func (p *Parser) VerifyChecksum() bool {
	if len(p.raw) < signatureLength {
		return false
	}
	digest := sha256.Sum256(p.raw[:len(p.raw)-signatureLength])
	return hmac.Equal(digest[:signatureLength], p.raw[len(p.raw)-signatureLength:])
}

// LikelyChopped is a convenience forward to the header heuristic.
func (p *Parser) LikelyChopped() bool {
	return p.Header.LikelyChopped()
}

// Build assembles a well-formed binary report from a header and readings,
// filling in the length, sequence-id range, and signature. Used by the
// forwarder and by tests that need byte-exact fixtures.
func Build(h Header, readings []RawReading) []byte {
	h.Format = FormatV1
	h.Length = HeaderLength + len(readings)*ReadingLength + FooterLength

	buf := make([]byte, 0, h.Length)
	buf = append(buf,
		h.Format,
		byte(h.Length&0xff),
	)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.Length>>8))
	buf = binary.LittleEndian.AppendUint32(buf, h.DeviceID)
	buf = binary.LittleEndian.AppendUint32(buf, h.ReportID)
	buf = binary.LittleEndian.AppendUint32(buf, h.SentTimestamp)
	buf = append(buf, h.SignatureFlags, h.StreamerIndex)
	buf = binary.LittleEndian.AppendUint16(buf, h.StreamerSelector)

	var lowest, highest uint32
	for i, r := range readings {
		buf = binary.LittleEndian.AppendUint16(buf, r.Stream)
		buf = binary.LittleEndian.AppendUint16(buf, 0)
		buf = binary.LittleEndian.AppendUint32(buf, r.ID)
		buf = binary.LittleEndian.AppendUint32(buf, r.DeviceTimestamp)
		buf = binary.LittleEndian.AppendUint32(buf, r.Value)
		if i == 0 || r.ID < lowest {
			lowest = r.ID
		}
		if r.ID > highest {
			highest = r.ID
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, lowest)
	buf = binary.LittleEndian.AppendUint32(buf, highest)
	digest := sha256.Sum256(buf)
	buf = append(buf, digest[:signatureLength]...)

	return buf
}
