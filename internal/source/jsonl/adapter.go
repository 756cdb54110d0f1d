package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/source"
)

const (
	SourceName = "jsonl"

	// DefaultKind is used for lines without a type.
	DefaultKind = "entry"

	// ConfigPath is the binding config key for a server-side export file.
	ConfigPath = "path"

	maxLineSize = 16 * 1024 * 1024
)

// Line is one entry of a JSON Lines export.
type Line struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp string                 `json:"timestamp"`
}

// Adapter reads records from a JSON Lines export, either a configured path
// or an uploaded file. Every run reads the whole export so that a new
// revision of an old entry still reaches the diff.
type Adapter struct {
	path     string
	uploaded string
}

// NewAdapter creates a new JSON Lines adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Name() string { return SourceName }

// ValidateConfig accepts any configuration; the export can also be uploaded.
func (a *Adapter) ValidateConfig(cfg map[string]interface{}) error {
	return nil
}

func (a *Adapter) Configure(cfg map[string]interface{}) {
	a.path = source.StringValue(cfg, ConfigPath)
}

// RequiresFileUpload is false because a configured path works as well.
func (a *Adapter) RequiresFileUpload() bool { return false }

func (a *Adapter) SetUploadedFile(path string) { a.uploaded = path }

// ShouldUpdate prefers metadata.revision as the change signal and falls back
// to comparing content.
func (a *Adapter) ShouldUpdate(existing *domain.ImportedRecord, incoming *source.Record) bool {
	if rev := incoming.MetadataString("revision"); rev != "" {
		return rev != existing.MetadataString("revision")
	}
	return incoming.Content != existing.Content || incoming.Title != existing.Title
}

// Fetch parses the export. A line that cannot be read becomes a record
// carrying ReadErr, so the run counts it as failed.
// Parameters:
//   - ctx: context for cancellation.
// Returns:
//   - []source.Record: entries in file order.
//   - error: non-nil if no export is available or it cannot be read.
func (a *Adapter) Fetch(ctx context.Context) ([]source.Record, error) {
	path := a.uploaded
	if path == "" {
		path = a.path
	}
	if path == "" {
		return nil, fmt.Errorf("no export file configured or uploaded")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer file.Close()

	var records []source.Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%1000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var line Line
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			records = append(records, source.Record{
				Kind:    DefaultKind,
				ReadErr: fmt.Errorf("line %d: malformed JSON: %w", lineNo, err),
			})
			continue
		}
		records = append(records, line.toRecord(lineNo))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading export: %w", err)
	}
	return records, nil
}

func (l *Line) toRecord(lineNo int) source.Record {
	kind := l.Type
	if kind == "" {
		kind = DefaultKind
	}
	rec := source.Record{
		SourceID: l.ID,
		Kind:     kind,
		Title:    l.Title,
		Content:  l.Content,
		Metadata: l.Metadata,
	}
	if strings.TrimSpace(l.ID) == "" {
		rec.ReadErr = fmt.Errorf("line %d: missing id", lineNo)
		return rec
	}
	if l.Timestamp != "" {
		ts, err := parseTimestamp(l.Timestamp)
		if err != nil {
			rec.ReadErr = fmt.Errorf("line %d: %w", lineNo, err)
			return rec
		}
		rec.SourceTimestamp = &ts
	}
	return rec
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
