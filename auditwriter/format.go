// Package auditwriter persists the audit trail of message exchanges, to
// rotating files or to BigQuery.
package auditwriter

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dbn-project/trustlink/core"
)

// Generates the string representation of an audit record
type AuditFormatter interface {
	GetAuditString(record *core.MessageAuditRecord) string
}

// Writes audit records as semicolon separated values, one per line
type CSVFormat struct {
	Separator string
}

func NewCSVFormat() *CSVFormat {
	return &CSVFormat{Separator: ";"}
}

func (f *CSVFormat) GetAuditString(record *core.MessageAuditRecord) string {

	var sb strings.Builder

	sb.WriteString(record.Timestamp.Format(time.RFC3339Nano))
	sb.WriteString(f.Separator)
	sb.WriteString(record.MessageId)
	sb.WriteString(f.Separator)
	sb.WriteString(record.ConnectionId)
	sb.WriteString(f.Separator)
	sb.WriteString(record.Type)
	sb.WriteString(f.Separator)
	sb.WriteString(record.Direction)
	sb.WriteString(f.Separator)
	sb.WriteString(record.State)
	sb.WriteString(f.Separator)
	sb.WriteString(record.FromDID)
	sb.WriteString(f.Separator)
	sb.WriteString(record.ToDID)
	sb.WriteString(f.Separator)
	sb.WriteString(record.Endpoint)
	sb.WriteString(f.Separator)
	sb.WriteString(strconv.Quote(record.Error))
	sb.WriteString(f.Separator)
	sb.WriteString(strconv.Itoa(record.RetryCount))
	sb.WriteString("\n")

	return sb.String()
}

// Writes audit records as JSON objects, one per line
type JSONFormat struct {
}

func NewJSONFormat() *JSONFormat {
	return &JSONFormat{}
}

func (f *JSONFormat) GetAuditString(record *core.MessageAuditRecord) string {

	jRecord, err := json.Marshal(record)
	if err != nil {
		core.GetLogger().Errorf("could not serialize audit record: %s", err)
		return ""
	}
	return string(jRecord) + "\n"
}
