package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/vectorinfinity/internal/domain"
)

// Record is one raw item produced by an adapter.
type Record struct {
	SourceID        string                 // Unique ID within the source
	Kind            string                 // Record kind, e.g. "email", "whatsapp_message"
	Title           string
	Content         string
	Metadata        map[string]interface{} // Free-form; also carries change signals such as "sha"
	SourceTimestamp *time.Time
	// ReadErr is set when the adapter could not read the raw item; the
	// record is then counted as failed instead of stored.
	ReadErr error
}

// ErrInvalidRecord marks a record that cannot be stored.
var ErrInvalidRecord = errors.New("invalid record")

// Validate reports whether the record can be stored.
// Parameters: none.
// Returns:
//   - error: ErrInvalidRecord when the item could not be read, the source id
//     or kind is missing, or the metadata cannot be stored as JSON.
func (r *Record) Validate() error {
	if r.ReadErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, r.ReadErr)
	}
	if strings.TrimSpace(r.SourceID) == "" {
		return fmt.Errorf("%w: empty source id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Kind) == "" {
		return fmt.Errorf("%w: empty kind for %s", ErrInvalidRecord, r.SourceID)
	}
	if r.Metadata != nil {
		if _, err := json.Marshal(r.Metadata); err != nil {
			return fmt.Errorf("%w: metadata of %s: %v", ErrInvalidRecord, r.SourceID, err)
		}
	}
	return nil
}

// Fields converts the mutable part of the record for the record store.
func (r *Record) Fields() domain.RecordFields {
	return domain.RecordFields{
		Kind:            r.Kind,
		Title:           r.Title,
		Content:         r.Content,
		Metadata:        r.Metadata,
		SourceTimestamp: r.SourceTimestamp,
	}
}

// MetadataString reads a string metadata key, "" when missing or not a string.
func (r *Record) MetadataString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[key].(string)
	return s
}

// Adapter defines the interface every data source implements.
type Adapter interface {
	// Name returns the source name used in bindings and records.
	// Parameters: none.
	// Returns:
	//   - string: stable source name.
	Name() string

	// Fetch returns the records currently available upstream.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	// Returns:
	//   - []Record: fetched records in source order.
	//   - error: non-nil if fetching fails; no records are written in that case.
	Fetch(ctx context.Context) ([]Record, error)
}

// IncrementalAdapter accepts the latest stored source timestamp so it can
// skip older upstream items.
type IncrementalAdapter interface {
	SetLatestTimestamp(ts time.Time)
}

// UpdateDecider decides whether an already stored record should be
// overwritten by a freshly fetched one. Adapters without it never update.
type UpdateDecider interface {
	ShouldUpdate(existing *domain.ImportedRecord, incoming *Record) bool
}

// ConfigurableAdapter receives the per-account binding configuration.
type ConfigurableAdapter interface {
	// ValidateConfig returns a human-readable error when cfg cannot be used.
	ValidateConfig(cfg map[string]interface{}) error
	Configure(cfg map[string]interface{})
}

// FileUploadAdapter reads an uploaded archive instead of a live API.
type FileUploadAdapter interface {
	RequiresFileUpload() bool
	SetUploadedFile(path string)
}

// OAuthAdapter starts an authorization flow with an upstream provider.
type OAuthAdapter interface {
	AuthorizeURL(state, redirectURL string) (string, error)
}

// ConfigSanitizer removes secrets from a configuration before it is returned
// to clients.
type ConfigSanitizer interface {
	SanitizeConfig(cfg map[string]interface{}) map[string]interface{}
}

// ConnectionTester checks that the adapter can reach its upstream.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// StringValue reads a string configuration value.
func StringValue(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	s, _ := cfg[key].(string)
	return strings.TrimSpace(s)
}

// StringList reads a list configuration value. A newline or comma separated
// string is accepted as well as a JSON array.
func StringList(cfg map[string]interface{}, key string) []string {
	if cfg == nil {
		return nil
	}
	var raw []string
	switch v := cfg[key].(type) {
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case string:
		raw = strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == ',' })
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
