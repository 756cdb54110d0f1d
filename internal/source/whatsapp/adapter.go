package whatsapp

import (
	"archive/zip"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/source"
)

const (
	SourceName = "whatsapp"
	RecordKind = "whatsapp_message"

	// ConfigTimezone names the IANA zone the export's wall-clock times are in.
	ConfigTimezone = "timezone"
)

var (
	// 4/03/2025, 20:21 - Andrea: Hey
	dashLine = regexp.MustCompile(`^(\d{1,2}/\d{1,2}/\d{4}),\s*(\d{1,2}:\d{2})\s*-\s*(.*)$`)
	// [4/03/2025, 20:21:05] Andrea: Hey
	bracketLine = regexp.MustCompile(`^\[(\d{1,2}/\d{1,2}/\d{4}),\s*(\d{1,2}:\d{2}(?::\d{2})?)\]\s*(.*)$`)
	senderBody  = regexp.MustCompile(`^([^:]+):\s*(.*)$`)

	dayFirst   = []string{"2/1/2006 15:04", "2/1/2006 15:04:05"}
	monthFirst = []string{"1/2/2006 15:04", "1/2/2006 15:04:05"}
)

// Message is one parsed chat message.
type Message struct {
	Date   string
	Time   string
	Sender string
	Body   string
}

// Adapter imports an uploaded WhatsApp chat export (.txt or .zip).
type Adapter struct {
	uploaded string
	location *time.Location
	since    *time.Time
}

// NewAdapter creates a new WhatsApp export adapter.
func NewAdapter() *Adapter {
	return &Adapter{location: time.UTC}
}

func (a *Adapter) Name() string { return SourceName }

func (a *Adapter) RequiresFileUpload() bool { return true }

func (a *Adapter) SetUploadedFile(path string) { a.uploaded = path }

func (a *Adapter) SetLatestTimestamp(ts time.Time) { a.since = &ts }

// ValidateConfig checks the optional timezone.
func (a *Adapter) ValidateConfig(cfg map[string]interface{}) error {
	if tz := source.StringValue(cfg, ConfigTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("unknown timezone %q", tz)
		}
	}
	return nil
}

func (a *Adapter) Configure(cfg map[string]interface{}) {
	if tz := source.StringValue(cfg, ConfigTimezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			a.location = loc
		}
	}
}

// Fetch parses the uploaded export.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - []source.Record: messages in chat order, newer than the watermark.
//   - error: non-nil when no file was uploaded or it cannot be read.
func (a *Adapter) Fetch(ctx context.Context) ([]source.Record, error) {
	if a.uploaded == "" {
		return nil, fmt.Errorf("no file uploaded, upload a chat export (.txt or .zip)")
	}

	rc, chatName, err := openChat(a.uploaded)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	messages, err := Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("error parsing WhatsApp chat: %w", err)
	}

	records := make([]source.Record, 0, len(messages))
	unparsed := 0
	for _, m := range messages {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ts, ok := ParseTimestamp(m.Date, m.Time, a.location)
		if !ok {
			unparsed++
			continue
		}
		if a.since != nil && ts.Before(*a.since) {
			continue
		}
		records = append(records, source.Record{
			SourceID: MessageID(ts, m.Sender, m.Body),
			Kind:     RecordKind,
			Title:    "Message from " + m.Sender,
			Content:  m.Body,
			Metadata: map[string]interface{}{
				"sender": m.Sender,
				"date":   m.Date,
				"time":   m.Time,
				"chat":   chatName,
			},
			SourceTimestamp: &ts,
		})
	}

	if unparsed > 0 {
		logger.CtxWarn(ctx, "Skipped %d messages with unrecognized timestamps", unparsed)
	}
	if len(messages) == 0 {
		logger.CtxWarn(ctx, "No messages parsed from %s, check the export format", chatName)
	}
	return records, nil
}

// Parse splits a chat export into messages. Continuation lines are appended
// to the previous message; system lines without a sender are dropped.
func Parse(r io.Reader) ([]Message, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out     []Message
		current *Message
	)
	flush := func() {
		if current != nil {
			current.Body = strings.TrimSpace(current.Body)
			if current.Body != "" {
				out = append(out, *current)
			}
		}
		current = nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(strings.TrimPrefix(scanner.Text(), "\ufeff"), "\r")

		m := dashLine.FindStringSubmatch(line)
		if m == nil {
			m = bracketLine.FindStringSubmatch(line)
		}
		if m == nil {
			if current != nil {
				current.Body += "\n" + line
			}
			continue
		}

		flush()
		sb := senderBody.FindStringSubmatch(m[3])
		if sb == nil {
			continue
		}
		current = &Message{
			Date:   m[1],
			Time:   m[2],
			Sender: strings.TrimSpace(sb[1]),
			Body:   sb[2],
		}
	}
	flush()
	return out, scanner.Err()
}

// ParseTimestamp reads an export date and time, day-first then month-first.
func ParseTimestamp(date, clock string, loc *time.Location) (time.Time, bool) {
	value := date + " " + clock
	for _, layouts := range [][]string{dayFirst, monthFirst} {
		for _, layout := range layouts {
			if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// MessageID derives a stable source id from the timestamp and a short hash
// of sender and body.
func MessageID(ts time.Time, sender, body string) string {
	sum := sha256.Sum256([]byte(sender + "\x00" + body))
	return ts.UTC().Format("2006-01-02T15:04:05") + "_" + hex.EncodeToString(sum[:6])
}

// openChat opens a .txt export directly or the first .txt inside a .zip.
func openChat(path string) (io.ReadCloser, string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("uploaded file not found: %s", path)
	}
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open chat export: %w", err)
		}
		return f, filepath.Base(path), nil
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open zip archive: %w", err)
	}
	var txt []*zip.File
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() && strings.EqualFold(filepath.Ext(f.Name), ".txt") {
			txt = append(txt, f)
		}
	}
	if len(txt) == 0 {
		zr.Close()
		return nil, "", fmt.Errorf("no .txt file found in the zip archive")
	}
	sort.Slice(txt, func(i, j int) bool { return txt[i].Name < txt[j].Name })

	rc, err := txt[0].Open()
	if err != nil {
		zr.Close()
		return nil, "", fmt.Errorf("failed to read %s: %w", txt[0].Name, err)
	}
	return &zipEntry{ReadCloser: rc, archive: zr}, filepath.Base(txt[0].Name), nil
}

type zipEntry struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (z *zipEntry) Close() error {
	z.ReadCloser.Close()
	return z.archive.Close()
}
