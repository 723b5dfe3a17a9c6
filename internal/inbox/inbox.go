// Package inbox discovers candidate report messages in a directory. It reads
// RFC 5322 .eml files and loose report attachments.
package inbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/logger"
	"github.com/kidager/dmarcpipe/internal/parser"
	"github.com/kidager/dmarcpipe/pkg/types"
)

// Item is a discovered message and the file it came from.
type Item struct {
	Path    string
	Message types.Message
}

// SeenChecker reports whether a message id was committed.
type SeenChecker interface {
	AlreadySeen(ctx context.Context, messageID string) (bool, error)
}

// Reader scans an inbox directory.
type Reader struct {
	dir          string
	processedDir string
	log          logger.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithProcessedDir sets where consumed files are moved.
func WithProcessedDir(dir string) Option {
	return func(r *Reader) { r.processedDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Reader) { r.log = l }
}

// NewReader returns a reader for dir.
func NewReader(dir string, opts ...Option) *Reader {
	r := &Reader{dir: dir, log: logger.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Scan reads every candidate file in the inbox, in name order. Unreadable or
// unparsable files are logged and skipped.
func (r *Reader) Scan(ctx context.Context) ([]Item, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading inbox %s", r.dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var items []Item
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return items, err
		}

		path := filepath.Join(r.dir, name)
		msg, ok, err := ReadFile(path)
		if err != nil {
			r.log.Warn("skipping inbox file", zap.String("file", path), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		msg.Source = path
		items = append(items, Item{Path: path, Message: msg})
	}

	r.log.Debug("inbox scanned", zap.String("dir", r.dir), zap.Int("messages", len(items)))
	return items, nil
}

// Messages returns the messages of items.
func Messages(items []Item) []types.Message {
	out := make([]types.Message, 0, len(items))
	for _, it := range items {
		out = append(out, it.Message)
	}
	return out
}

// Archive moves every item whose message is now committed into the processed
// directory. Messages left uncommitted stay in the inbox for the next run.
func (r *Reader) Archive(ctx context.Context, items []Item, seen SeenChecker) (int, error) {
	if r.processedDir == "" {
		return 0, nil
	}

	moved := 0
	for _, it := range items {
		ok, err := seen.AlreadySeen(ctx, it.Message.ID)
		if err != nil {
			return moved, err
		}
		if !ok {
			continue
		}
		dst, err := MoveFileToDir(it.Path, r.processedDir)
		if err != nil {
			return moved, errors.Wrapf(err, "moving %s", it.Path)
		}
		r.log.Debug("inbox file archived", zap.String("file", it.Path), zap.String("to", dst))
		moved++
	}
	return moved, nil
}

// ReadFile turns one file into a message. It reports false for files that
// are neither .eml messages nor report attachments.
func ReadFile(path string) (types.Message, bool, error) {
	name := filepath.Base(path)
	isEML := strings.EqualFold(filepath.Ext(name), ".eml")
	if !isEML && parser.Classify(name) == parser.KindUnsupported {
		return types.Message{}, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.Message{}, false, errors.Wrapf(err, "reading %s", path)
	}

	if isEML {
		msg, err := ParseEML(data)
		if err != nil {
			return types.Message{}, false, err
		}
		return msg, true, nil
	}

	return types.Message{
		ID:          ContentID(data),
		Attachments: []types.Attachment{{Filename: name, Data: data}},
	}, true, nil
}

// ParseEML extracts the attachments of a MIME message. The message id is the
// Message-ID header, or a content hash when the header is missing.
func ParseEML(data []byte) (types.Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil {
		return types.Message{}, errors.Wrap(err, "parsing MIME message")
	}

	id := strings.TrimSpace(env.GetHeader("Message-ID"))
	if id == "" {
		id = ContentID(data)
	}

	msg := types.Message{ID: id}
	parts := append(append([]*enmime.Part{}, env.Attachments...), env.Inlines...)
	for _, p := range parts {
		if len(p.Content) == 0 {
			continue
		}
		msg.Attachments = append(msg.Attachments, types.Attachment{
			Filename: attachmentName(p.FileName, p.ContentType),
			Data:     p.Content,
		})
	}
	return msg, nil
}

// ContentID derives a stable message id from content.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// attachmentName falls back to a suffix derived from the content type so
// unnamed parts still classify.
func attachmentName(name, contentType string) string {
	if name != "" {
		return name
	}
	switch strings.ToLower(contentType) {
	case "application/zip", "application/x-zip-compressed":
		return "report.zip"
	case "application/gzip", "application/x-gzip":
		return "report.xml.gz"
	case "text/xml", "application/xml":
		return "report.xml"
	default:
		return ""
	}
}
