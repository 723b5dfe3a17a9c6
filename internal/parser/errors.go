package parser

import "fmt"

// DecodeErrorKind classifies attachment decode failures.
type DecodeErrorKind string

// Decode failure kinds.
const (
	InvalidArchive     DecodeErrorKind = "invalid_archive"
	InvalidCompression DecodeErrorKind = "invalid_compression"
	UnsupportedType    DecodeErrorKind = "unsupported_type"
)

// DecodeError is returned when an attachment cannot be turned into XML payloads.
// It is always recoverable: only the offending attachment is skipped.
type DecodeError struct {
	Kind DecodeErrorKind
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode %s: %s", e.Name, e.Kind)
	}
	return fmt.Sprintf("decode %s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseErrorKind classifies report parse failures.
type ParseErrorKind string

// Malformed is the only parse failure: the payload is not a well-formed report.
const Malformed ParseErrorKind = "malformed"

// ParseError is returned when a payload is not a well-formed aggregate report.
// Sibling payloads of the same attachment are unaffected.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing XML: %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
