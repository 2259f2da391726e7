package report

import (
	"fmt"
	"strings"
	"time"
)

// Decoded is a fully parsed report in the shared in-memory form, ready
// for sequence filtering and timestamp reconciliation. Times carries
// gateway-resolved absolute times by sequence id for readings whose
// upload stamped one; such readings skip reboot reconciliation.
type Decoded struct {
	Header  Header
	Footer  Footer
	Data    []RawReading
	Events  []JSONEvent
	Times   map[uint32]time.Time
	Chopped bool
	Ext     string
}

type decodeFunc func(raw []byte) (*Decoded, error)

// decoders is resolved once per upload by engine version and file
// extension. Legacy v0/v1 engines only ever produced binary reports and
// share the v1-format binary decoder.
var decoders = map[string]decodeFunc{
	".bin":  decodeBinary,
	".json": DecodeJSON,
	".mp":   DecodeMsgPack,
}

// Decode resolves the decoder for a file extension and runs it. Unknown
// extensions fail with ErrUnsupportedMediaType.
func Decode(ext string, raw []byte) (*Decoded, error) {
	fn, ok := decoders[strings.ToLower(ext)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, ext)
	}
	return fn(raw)
}

func decodeBinary(raw []byte) (*Decoded, error) {
	p := NewParser(raw)
	if err := p.ParseHeader(); err != nil {
		return nil, err
	}
	if err := p.ParseFooter(); err != nil {
		return nil, err
	}
	if !p.VerifyChecksum() {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptReport)
	}
	if err := p.ParseReadings(); err != nil {
		return nil, err
	}
	return &Decoded{
		Header:  p.Header,
		Footer:  p.Footer,
		Data:    p.Data,
		Chopped: p.LikelyChopped(),
		Ext:     ".bin",
	}, nil
}

