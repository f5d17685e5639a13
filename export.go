package notesync

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// exportEnvelope is the on-disk format of a cache export.
type exportEnvelope struct {
	Version    int               `json:"version"`
	Owner      string            `json:"owner"`
	ExportedAt time.Time         `json:"exported_at"`
	Records    []CachedRecordRow `json:"records"`
}

const exportVersion = 1

// Export writes the owner's cached records (tombstones included) as JSON.
// Outbox entries and cursors are deliberately not exported: pending
// mutations belong to exactly one cache.
func (c *Client) Export(w io.Writer) error {
	rows, err := c.store.ListRecords(c.config.Owner)
	if err != nil {
		return err
	}

	env := exportEnvelope{
		Version:    exportVersion,
		Owner:      c.config.Owner,
		ExportedAt: time.Now().UTC(),
		Records:    rows,
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	return nil
}

// ImportResult summarizes an import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Import merges exported records into the cache. A record is skipped when
// the cache already holds a row with a logical clock at or past the imported
// one, so an import can never resurrect a newer tombstone.
func (c *Client) Import(r io.Reader) (*ImportResult, error) {
	var env exportEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("import: decode: %w", err)
	}
	if env.Version != exportVersion {
		return nil, fmt.Errorf("import: unsupported version %d", env.Version)
	}

	result := &ImportResult{}
	for _, row := range env.Records {
		existing, err := c.store.GetRecord(c.config.Owner, row.Record.ID)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if existing != nil && existing.Record.ClientUpdatedAtMs >= row.Record.ClientUpdatedAtMs {
			result.Skipped++
			continue
		}

		row.Owner = c.config.Owner
		row.LocalUpdatedAtMs = time.Now().UnixMilli()
		if err := c.store.PutRecord(&row); err != nil {
			return nil, err
		}
		result.Imported++
	}
	return result, nil
}
