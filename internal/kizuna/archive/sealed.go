package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bdobrica/Kizuna/common/crypto"
)

// SealedExt is appended to the names of encrypted documents.
const SealedExt = ".enc"

// SealedSink encrypts documents before handing them to another sink. The
// document name is bound to the ciphertext, so a sealed export cannot be
// passed off as another session's.
type SealedSink struct {
	next   Sink
	sealer *crypto.Sealer
}

// NewSealedSink wraps next.
func NewSealedSink(next Sink, sealer *crypto.Sealer) (*SealedSink, error) {
	if next == nil || sealer == nil {
		return nil, errors.New("archive sealed: sink and sealer are required")
	}
	return &SealedSink{next: next, sealer: sealer}, nil
}

// Put implements Sink. The stored name is name + SealedExt.
func (s *SealedSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	sealed, err := s.sealer.Seal(data, []byte(name))
	if err != nil {
		return "", err
	}
	return s.next.Put(ctx, name+SealedExt, sealed)
}

// OpenDocument decodes an exported document read from a file called name.
// Sealed documents (name ending in SealedExt) need sealer; plain ones ignore
// it.
func OpenDocument(name string, data []byte, sealer *crypto.Sealer) (Document, error) {
	base := filepath.Base(name)
	if plain, ok := strings.CutSuffix(base, SealedExt); ok {
		if sealer == nil {
			return Document{}, errors.New("archive: document is sealed and no key is configured")
		}
		opened, err := sealer.Open(data, []byte(plain))
		if err != nil {
			return Document{}, fmt.Errorf("archive: %w", err)
		}
		data = opened
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("archive: decode: %w", err)
	}
	if doc.FormatVersion != FormatVersion {
		return Document{}, fmt.Errorf("archive: unsupported format version %d", doc.FormatVersion)
	}
	return doc, nil
}
