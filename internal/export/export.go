// Package export reads and writes portable archives of a match log.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"scorebook/internal/domain"
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

const SchemaVersion = 1

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMsgpack:
		return FormatMsgpack, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

func (f Format) ContentType() string {
	if f == FormatMsgpack {
		return "application/msgpack"
	}
	return "application/json"
}

// Archive is the full operation log of one match.
type Archive struct {
	SchemaVersion int                `json:"schema_version" msgpack:"schema_version"`
	MatchID       string             `json:"match_id" msgpack:"match_id"`
	Version       int64              `json:"version" msgpack:"version"`
	ExportedAt    time.Time          `json:"exported_at" msgpack:"exported_at"`
	Operations    []domain.Operation `json:"operations" msgpack:"operations"`
}

func New(matchID string, ops []domain.Operation, now time.Time) Archive {
	a := Archive{
		SchemaVersion: SchemaVersion,
		MatchID:       matchID,
		ExportedAt:    now.UTC(),
		Operations:    ops,
	}
	if a.Operations == nil {
		a.Operations = []domain.Operation{}
	}
	if n := len(ops); n > 0 {
		a.Version = ops[n-1].Sequence
	}
	return a
}

// Validate checks that the archive is a complete log: one match, sequences
// 1..Version with no gaps, unique client operation ids.
func (a Archive) Validate() error {
	if a.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported archive schema version %d", a.SchemaVersion)
	}
	if a.MatchID == "" {
		return fmt.Errorf("archive match_id is required")
	}
	seen := make(map[string]int64, len(a.Operations))
	for i, op := range a.Operations {
		if op.MatchID != a.MatchID {
			return fmt.Errorf("operation %d belongs to match %q", op.Sequence, op.MatchID)
		}
		if op.Sequence != int64(i+1) {
			return fmt.Errorf("operation at position %d has sequence %d", i+1, op.Sequence)
		}
		if op.ClientOperationID == "" {
			return fmt.Errorf("operation %d has no client_operation_id", op.Sequence)
		}
		if prev, ok := seen[op.ClientOperationID]; ok {
			return fmt.Errorf("client_operation_id %q used by operations %d and %d", op.ClientOperationID, prev, op.Sequence)
		}
		seen[op.ClientOperationID] = op.Sequence
	}
	if a.Version != int64(len(a.Operations)) {
		return fmt.Errorf("archive version %d does not match %d operations", a.Version, len(a.Operations))
	}
	return nil
}

func Encode(w io.Writer, a Archive, f Format) error {
	switch f {
	case FormatJSON:
		return json.NewEncoder(w).Encode(a)
	case FormatMsgpack:
		return msgpack.NewEncoder(w).Encode(a)
	}
	return fmt.Errorf("unknown export format %q", f)
}

func Decode(r io.Reader, f Format) (Archive, error) {
	var a Archive
	var err error
	switch f {
	case FormatJSON:
		err = json.NewDecoder(r).Decode(&a)
	case FormatMsgpack:
		err = msgpack.NewDecoder(r).Decode(&a)
	default:
		return a, fmt.Errorf("unknown export format %q", f)
	}
	if err != nil {
		return a, fmt.Errorf("decode %s archive: %w", f, err)
	}
	a.ExportedAt = a.ExportedAt.UTC()
	for i := range a.Operations {
		a.Operations[i].RecordedAt = a.Operations[i].RecordedAt.UTC()
	}
	return a, nil
}
