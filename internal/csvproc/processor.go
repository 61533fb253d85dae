// Package csvproc implements the processing function workers run against
// task payloads: header-driven CSV parsing, required-column validation,
// and per-row enrichment.
package csvproc

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/csvflow/csvflow/internal/envelope"
)

// DefaultRequiredColumns are the columns every payload must carry unless
// configured otherwise.
var DefaultRequiredColumns = []string{"name", "value"}

// Processor parses CSV payloads into ordered rows.
type Processor struct {
	requiredColumns []string
	now             func() time.Time
}

// New creates a processor. If requiredColumns is empty the defaults apply.
func New(requiredColumns []string) *Processor {
	if len(requiredColumns) == 0 {
		requiredColumns = DefaultRequiredColumns
	}
	return &Processor{
		requiredColumns: requiredColumns,
		now:             time.Now,
	}
}

// Process parses data and returns its rows in document order, each keyed
// by header name and enriched with a processed_at timestamp. A document
// with a valid header and zero data rows is valid and yields zero rows.
func (p *Processor) Process(data string) ([]envelope.Row, error) {
	reader := csv.NewReader(strings.NewReader(data))

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty CSV document")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := p.validateHeader(header); err != nil {
		return nil, err
	}

	processedAt := p.now().Format(time.RFC3339)
	rows := make([]envelope.Row, 0)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(rows)+1, err)
		}

		row := make(envelope.Row, len(header)+1)
		for i, col := range header {
			row[col] = record[i]
		}
		row["processed_at"] = processedAt
		rows = append(rows, row)
	}

	return rows, nil
}

func (p *Processor) validateHeader(header []string) error {
	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[col] = true
	}
	for _, col := range p.requiredColumns {
		if !present[col] {
			return fmt.Errorf("missing required column: %s", col)
		}
	}
	return nil
}
