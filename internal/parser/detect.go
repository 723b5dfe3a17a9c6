package parser

// Attachment classification and decompression for DMARC aggregate reports.

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
)

// Kind is the declared encoding of an attachment.
type Kind int

// Supported attachment kinds.
const (
	KindUnsupported Kind = iota // Anything we do not know how to decode
	KindXML                     // Plain XML report
	KindGzip                    // Single gzip stream wrapping one XML report
	KindZip                     // Zip archive with one or more members
)

func (k Kind) String() string {
	switch k {
	case KindXML:
		return "xml"
	case KindGzip:
		return "gzip"
	case KindZip:
		return "zip"
	default:
		return "unsupported"
	}
}

// maxDecodedSize caps the decompressed bytes one attachment may yield, summed
// over every archive member.
const maxDecodedSize = 64 << 20

// Classify determines the attachment kind from its filename suffix.
func Classify(filename string) Kind {
	lower := strings.ToLower(strings.TrimSpace(filename))

	switch {
	case strings.HasSuffix(lower, ".xml.gz"), strings.HasSuffix(lower, ".gz"):
		return KindGzip
	case strings.HasSuffix(lower, ".xml"):
		return KindXML
	case strings.HasSuffix(lower, ".zip"):
		return KindZip
	default:
		return KindUnsupported
	}
}

// Decode turns an attachment payload into the raw XML payloads it carries.
// Archives yield one payload per member in archive order; gzip yields exactly
// one; plain XML is passed through unchanged.
func Decode(name string, data []byte, kind Kind) ([][]byte, error) {
	switch kind {
	case KindXML:
		return [][]byte{data}, nil
	case KindGzip:
		payload, err := decompressGzip(data)
		if err != nil {
			return nil, &DecodeError{Kind: InvalidCompression, Name: name, Err: err}
		}
		return [][]byte{payload}, nil
	case KindZip:
		payloads, err := extractFromZip(data, maxDecodedSize)
		if err != nil {
			return nil, &DecodeError{Kind: InvalidArchive, Name: name, Err: err}
		}
		return payloads, nil
	default:
		return nil, &DecodeError{Kind: UnsupportedType, Name: name}
	}
}

func decompressGzip(data []byte) (result []byte, err error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer func() {
		if cerr := gr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return readLimited(gr, maxDecodedSize)
}

func extractFromZip(data []byte, limit int) ([][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("creating zip reader: %w", err)
	}

	payloads := make([][]byte, 0, len(zr.File))
	remaining := limit
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening zip entry %s: %w", f.Name, err)
		}
		payload, err := readLimited(rc, remaining)
		if cerr := rc.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("reading zip entry %s: %w", f.Name, err)
		}
		remaining -= len(payload)
		payloads = append(payloads, payload)
	}

	return payloads, nil
}

// readLimited reads r fully, failing once more than limit bytes arrive.
func readLimited(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		return nil, fmt.Errorf("decoded size exceeds %d bytes", limit)
	}
	return data, nil
}
