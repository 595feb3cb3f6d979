package clienthello

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const (
	// ExtensionServerName is the server_name extension type (RFC 6066 §3).
	ExtensionServerName uint16 = 0x0000
	// NameTypeHostName is the only ServerName entry type defined so far.
	NameTypeHostName uint8 = 0

	// Offset of the session id length inside the ClientHello body:
	// client_version (2) + random (32).
	sessionIDLenOffset = 34
	// An extension header is type (2) + length (2); anything not longer
	// than that cannot carry data and ends iteration.
	extensionHeaderLen = 4
)

// ClientHello is the part of a ClientHello message the relay cares about.
type ClientHello struct {
	// ServerName is the host_name from the server_name extension, or empty
	// when the client did not send one.
	ServerName string
}

// Parse decodes data, which must hold one complete TLS record carrying a
// ClientHello, and returns the SNI hostname if present.
func Parse(data []byte) (ClientHello, error) {
	rec, err := ParseRecord(data)
	if err != nil {
		return ClientHello{}, err
	}
	if rec.MajorVersion != 3 {
		return ClientHello{}, fmt.Errorf("%w: record version 0x%04x", ErrUnsupportedVersion, rec.Version())
	}
	if rec.ContentType != ContentTypeHandshake {
		return ClientHello{}, fmt.Errorf("%w: content type %d", ErrNotHandshake, rec.ContentType)
	}
	if len(rec.Fragment) == 0 || rec.Fragment[0] != HandshakeTypeClientHello {
		return ClientHello{}, ErrNotClientHello
	}

	body, err := lengthPrefixed(rec.Fragment, 1, 4)
	if err != nil {
		return ClientHello{}, fmt.Errorf("handshake body: %w", err)
	}
	if len(body) == 0 || body[0] != 0x03 {
		return ClientHello{}, fmt.Errorf("%w: client version", ErrUnsupportedVersion)
	}

	exts, err := extensionsBlock(body)
	if err != nil {
		return ClientHello{}, err
	}

	var (
		hello ClientHello
		seen  bool
	)
	// The first server_name extension wins. Later duplicates are still walked.
	err = forEachExtension(exts, func(typ uint16, data []byte) error {
		if typ != ExtensionServerName || seen {
			return nil
		}
		seen = true
		name, err := parseServerName(data)
		if err != nil {
			return err
		}
		hello.ServerName = name
		return nil
	})
	if err != nil {
		return ClientHello{}, err
	}
	return hello, nil
}

// extensionsBlock walks past the fixed and length-prefixed fields of a
// ClientHello body and returns the raw extensions. A body that ends after
// the compression methods carries no extensions.
func extensionsBlock(body []byte) ([]byte, error) {
	rest, err := skipLengthPrefixed(body, sessionIDLenOffset, sessionIDLenOffset+1)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	if rest, err = skipLengthPrefixed(rest, 0, 2); err != nil {
		return nil, fmt.Errorf("cipher suites: %w", err)
	}
	if rest, err = skipLengthPrefixed(rest, 0, 1); err != nil {
		return nil, fmt.Errorf("compression methods: %w", err)
	}
	if len(rest) == 0 {
		return nil, nil
	}
	exts, err := lengthPrefixed(rest, 0, 2)
	if err != nil {
		return nil, fmt.Errorf("extensions: %w", err)
	}
	return exts, nil
}

// forEachExtension calls fn for every (type, data) entry of an extensions
// block, in wire order. Iteration stops at the first error.
func forEachExtension(exts []byte, fn func(typ uint16, data []byte) error) error {
	for len(exts) > extensionHeaderLen {
		typ := binary.BigEndian.Uint16(exts[0:2])
		data, err := lengthPrefixed(exts, 2, 4)
		if err != nil {
			return fmt.Errorf("extension 0x%04x: %w", typ, err)
		}
		if exts, err = skipLengthPrefixed(exts, 2, 4); err != nil {
			return fmt.Errorf("extension 0x%04x: %w", typ, err)
		}
		if err := fn(typ, data); err != nil {
			return err
		}
	}
	return nil
}

// parseServerName decodes the first entry of a server_name extension.
// Layout: list length (2) | name type (1) | name length (2) | name.
func parseServerName(data []byte) (string, error) {
	if len(data) < 3 {
		return "", fmt.Errorf("%w: server_name extension has %d bytes", ErrInsufficientData, len(data))
	}
	if data[2] != NameTypeHostName {
		return "", nil
	}
	name, err := lengthPrefixed(data, 3, 5)
	if err != nil {
		return "", fmt.Errorf("host_name: %w", err)
	}
	if !utf8.Valid(name) {
		return "", ErrInvalidUTF8Hostname
	}
	return string(name), nil
}
