// Package clienthello extracts the SNI hostname from the first TLS record a
// client sends, without terminating TLS.
//
// All parsing is bounds checked slicing over the caller's buffer. Apart from
// the returned hostname nothing is copied, and no input can make the decoder
// panic or read past the buffer. The caller must supply the complete first
// record; partial buffers fail with ErrInsufficientData.
package clienthello

import "fmt"

const (
	// HeaderLen is the size of a TLS record header.
	HeaderLen = 5
	// MaxRecordLen bounds a single TLSCiphertext record (RFC 8446 §5.2)
	// including its header.
	MaxRecordLen = HeaderLen + 16384 + 2048

	ContentTypeHandshake     uint8 = 22
	HandshakeTypeClientHello uint8 = 1
)

// Record is one TLS record. Fragment aliases the buffer passed to
// ParseRecord and is only valid as long as that buffer is.
type Record struct {
	ContentType  uint8
	MajorVersion uint8
	MinorVersion uint8
	Fragment     []byte
}

// Version returns the record protocol version as a single value, e.g. 0x0301.
func (r Record) Version() uint16 {
	return uint16(r.MajorVersion)<<8 | uint16(r.MinorVersion)
}

// ParseRecord frames data as a single TLS record. Content type and version
// are not validated here.
func ParseRecord(data []byte) (Record, error) {
	fragment, err := lengthPrefixed(data, 3, 5)
	if err != nil {
		return Record{}, fmt.Errorf("tls record: %w", err)
	}
	return Record{
		ContentType:  data[0],
		MajorVersion: data[1],
		MinorVersion: data[2],
		Fragment:     fragment,
	}, nil
}

// RecordLength reports how many bytes the record starting at header occupies,
// header included. Only the first HeaderLen bytes are inspected.
func RecordLength(header []byte) (int, error) {
	if len(header) < HeaderLen {
		return 0, fmt.Errorf("%w: record header needs %d bytes, have %d", ErrInsufficientData, HeaderLen, len(header))
	}
	return HeaderLen + (int(header[3])<<8 | int(header[4])), nil
}
