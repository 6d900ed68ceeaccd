package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/kolcycle/internal/domain"
)

// CycleArchive implements domain.CycleArchive by writing each retired cycle
// as one JSON object under cycles/.
type CycleArchive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewCycleArchive creates a CycleArchive over the given blob store.
func NewCycleArchive(writer domain.BlobWriter, reader domain.BlobReader) *CycleArchive {
	return &CycleArchive{writer: writer, reader: reader}
}

// cyclePath is the object key for a cycle, zero-padded so keys sort by id:
//
//	cycles/0000000042.json
func cyclePath(id int64) string {
	return fmt.Sprintf("cycles/%010d.json", id)
}

// Archive uploads the cycle record, entity lists included.
func (a *CycleArchive) Archive(ctx context.Context, cycle domain.MarketCycle) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cycle); err != nil {
		return fmt.Errorf("s3blob: encode cycle %d: %w", cycle.ID, err)
	}
	if err := a.writer.Put(ctx, cyclePath(cycle.ID), &buf, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive cycle %d: %w", cycle.ID, err)
	}
	return nil
}

// Load reads an archived cycle back. Missing cycles return
// domain.ErrNotFound.
func (a *CycleArchive) Load(ctx context.Context, id int64) (domain.MarketCycle, error) {
	body, err := a.reader.Get(ctx, cyclePath(id))
	if err != nil {
		return domain.MarketCycle{}, fmt.Errorf("s3blob: load cycle %d: %w", id, err)
	}
	defer body.Close()

	var cycle domain.MarketCycle
	if err := json.NewDecoder(body).Decode(&cycle); err != nil {
		return domain.MarketCycle{}, fmt.Errorf("s3blob: decode cycle %d: %w", id, err)
	}
	return cycle, nil
}

// Compile-time interface check.
var _ domain.CycleArchive = (*CycleArchive)(nil)
