// Package archive exports a session's long-term memory as a JSON document to
// a local directory or an S3 bucket.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kizuna/common/version"
	"github.com/bdobrica/Kizuna/internal/kizuna/memory"
	"github.com/bdobrica/Kizuna/internal/kizuna/state"
)

// FormatVersion is bumped whenever Document changes incompatibly.
const FormatVersion = 1

// Document is the exported form of one session.
type Document struct {
	FormatVersion int               `json:"format_version"`
	ExportedAt    time.Time         `json:"exported_at"`
	Exporter      string            `json:"exporter"`
	Session       state.Session     `json:"session"`
	Fragments     []memory.Fragment `json:"fragments"`
}

// Sink stores an exported document under name and returns where it went.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// Source reads what is exported. chat.Engine implements it.
type Source interface {
	Session(ctx context.Context, sessionID string) (state.Session, error)
	Fragments(ctx context.Context, sessionID string) ([]memory.Fragment, error)
}

// Exporter writes session documents to a sink.
type Exporter struct {
	source Source
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewExporter returns an Exporter. If logger is nil, the default slog logger
// is used.
func NewExporter(source Source, sink Sink, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: source, sink: sink, logger: logger, now: time.Now}
}

// Build assembles the document for a session without storing it.
func (x *Exporter) Build(ctx context.Context, sessionID string) (Document, error) {
	sess, err := x.source.Session(ctx, sessionID)
	if err != nil {
		return Document{}, err
	}
	frags, err := x.source.Fragments(ctx, sessionID)
	if err != nil {
		return Document{}, err
	}
	if frags == nil {
		frags = []memory.Fragment{}
	}
	return Document{
		FormatVersion: FormatVersion,
		ExportedAt:    x.now().UTC(),
		Exporter:      "kizuna " + version.Short(),
		Session:       sess,
		Fragments:     frags,
	}, nil
}

// Export stores the session's document as "<session id>.json" and returns
// its location.
func (x *Exporter) Export(ctx context.Context, sessionID string) (string, error) {
	if x.sink == nil {
		return "", errors.New("archive: no sink configured")
	}
	doc, err := x.Build(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: encode: %w", err)
	}
	loc, err := x.sink.Put(ctx, sessionID+".json", data)
	if err != nil {
		return "", fmt.Errorf("archive: store: %w", err)
	}
	x.logger.Info("session exported",
		"session_id", sessionID,
		"fragments", len(doc.Fragments),
		"bytes", len(data),
		"location", loc,
	)
	return loc, nil
}
