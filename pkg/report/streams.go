package report

import "fmt"

// Streamer selectors. The selector tells the cloud which class of
// readings a streamer channel carries and which processing rules apply.
const (
	SelectorSystem        uint16 = 0x5FFF
	SelectorUser          uint16 = 0xD7FF
	SelectorUserNoReboots uint16 = 0x57FF
	SelectorTripSystem    uint16 = 0x0FFF
)

// Reserved virtual stream ids (low 16 bits of the stream field). Devices
// emit these system readings interleaved with user data.
const (
	StreamReboot         uint16 = 0x5C00
	StreamCompleteReport uint16 = 0x5C01
	StreamChoppedReport  uint16 = 0x5C02
	StreamOSTagVersion   uint16 = 0x5C08
	StreamAppTagVersion  uint16 = 0x5C09
	StreamTripStart      uint16 = 0x0E00
	StreamTripEnd        uint16 = 0x0E01
)

// TagVersion is a decoded OS or APP firmware version marker.
type TagVersion struct {
	Tag   uint32
	Major uint8
	Minor uint8
}

// DecodeTagVersion unpacks the 32-bit OTA marker value: a 20-bit tag in
// the low bits and 6-bit major/minor components above it.
func DecodeTagVersion(value uint32) TagVersion {
	return TagVersion{
		Tag:   value & 0xFFFFF,
		Major: uint8((value >> 26) & 0x3F),
		Minor: uint8((value >> 20) & 0x3F),
	}
}

func (tv TagVersion) String() string {
	return fmt.Sprintf("%d:v%d.%d", tv.Tag, tv.Major, tv.Minor)
}
