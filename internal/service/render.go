package service

import (
	"strings"
	"time"

	"github.com/timmy/vectorinfinity/internal/domain"
)

const documentSeparator = "\n\n---\n\n"

// RenderDocument formats a stored record as plain text for the retrieval
// index. The header lines depend on the record kind.
func RenderDocument(rec *domain.ImportedRecord) string {
	parts := []string{"Source: " + rec.SourceName}
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			parts = append(parts, label+value)
		}
	}

	switch kindFamily(rec.Kind) {
	case "chat":
		parts = append(parts, "Type: "+chatTypeLabel(rec.Kind))
		add("From: ", rec.MetadataString("sender"))
		add("Date: ", formatTimestamp(rec.SourceTimestamp, time.DateTime))
	case "health":
		parts = append(parts, "Type: "+humanizeKind(rec.Kind))
		add("", rec.Title)
		add("Date: ", formatTimestamp(rec.SourceTimestamp, time.DateOnly))
	case "github":
		parts = append(parts, "Type: GitHub File")
		add("File: ", rec.Title)
		url := rec.MetadataString("html_url")
		if url == "" {
			url = rec.MetadataString("url")
		}
		add("URL: ", url)
		add("Repository: ", rec.MetadataString("repository"))
		add("Path: ", rec.MetadataString("path"))
		add("Date: ", formatTimestamp(rec.SourceTimestamp, time.DateTime))
	case "note":
		parts = append(parts, "Type: Note")
		add("Title: ", rec.Title)
		add("Path: ", rec.MetadataString("path"))
		add("Date: ", formatTimestamp(rec.SourceTimestamp, time.DateTime))
	case "email":
		parts = append(parts, "Type: Email")
		add("Subject: ", rec.Title)
		add("From: ", rec.MetadataString("from"))
		add("Date: ", formatTimestamp(rec.SourceTimestamp, time.DateTime))
	default:
		add("Title: ", rec.Title)
		parts = append(parts, "Type: "+humanizeKind(rec.Kind))
		add("Date: ", formatTimestamp(rec.SourceTimestamp, time.DateTime))
	}

	add("", rec.Content)
	return strings.Join(parts, "\n")
}

// RenderBatch renders records into one upload body.
func RenderBatch(records []domain.ImportedRecord) string {
	docs := make([]string, len(records))
	for i := range records {
		docs[i] = RenderDocument(&records[i])
	}
	return strings.Join(docs, documentSeparator)
}

func kindFamily(kind string) string {
	k := strings.ToLower(kind)
	switch {
	case k == "github_file":
		return "github"
	case k == "note":
		return "note"
	case k == "email" || strings.HasSuffix(k, "_email"):
		return "email"
	case strings.HasSuffix(k, "_message") || strings.Contains(k, "chat"):
		return "chat"
	case strings.HasPrefix(k, "whoop_") || strings.HasPrefix(k, "health"):
		return "health"
	}
	return ""
}

func chatTypeLabel(kind string) string {
	if strings.HasPrefix(kind, "whatsapp") {
		return "WhatsApp Message"
	}
	return "Chat Message"
}

// humanizeKind turns "whoop_recovery" into "WHOOP Recovery".
func humanizeKind(kind string) string {
	words := strings.FieldsFunc(kind, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		switch strings.ToLower(w) {
		case "whoop":
			words[i] = "WHOOP"
		default:
			words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
	}
	return strings.Join(words, " ")
}

func formatTimestamp(ts *time.Time, layout string) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(layout)
}
