package logline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedRecord is returned when a fully-read CSV record does not
// have 22 or 23 fields. A partial read at EOF is not an error — see
// Parser.Next.
var ErrMalformedRecord = errors.New("logline: malformed record")

// Column counts the server emits depending on whether application_name
// was already added to log_line_prefix's CSV column set.
const (
	columnsWithoutAppName = 22
	columnsWithAppName    = 23
)

// LogLine is one parsed CSV record from the server's log. The field
// names and order match PostgreSQL's csvlog format exactly.
type LogLine struct {
	Timestamp      string // millisecond precision, timezone abbreviation
	User           string
	Database       string
	ProcessID      string
	ClientAddr     string
	SessionID      string
	SessionLineNum string
	ProcessDisplay string
	SessionStart   string
	VirtualXID     string
	XID            string
	Severity       Severity
	SQLState       string
	Message        string
	Detail         string
	Hint           string
	Query          string
	QueryPos       string
	Context        string
	UserQuery      string
	UserQueryPos   string
	ErrorLocation  string
	ApplicationName string // empty when the server emits 22 columns
}

// Parser wraps encoding/csv.Reader with the column-count and
// offset-preserving semantics the tailer needs: a short read at EOF must
// not advance the caller's byte offset, so a later call sees the
// completed record once the writer finishes flushing it.
type Parser struct {
	reader *csv.Reader
}

// NewParser builds a Parser over r. The server's CSV log already quotes
// fields and doubles embedded quotes, which encoding/csv handles
// natively, including fields containing embedded newlines.
func NewParser(r io.Reader) *Parser {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // column count is checked explicitly below
	cr.LazyQuotes = false
	return &Parser{reader: cr}
}

// Next reads one CSV record and returns the parsed LogLine. io.EOF (or
// csv.ErrFieldCount wrapping an incomplete trailing record) is returned
// verbatim so the tailer can distinguish "nothing more yet" from a real
// parse failure; any other error is wrapped in ErrMalformedRecord once
// the record was fully read off the wire.
func (p *Parser) Next() (*LogLine, error) {
	fields, err := p.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		// encoding/csv surfaces an unterminated quoted field as a
		// generic parse error; treat it the same as EOF so the tailer
		// retries once more bytes have been written.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	if len(fields) != columnsWithoutAppName && len(fields) != columnsWithAppName {
		return nil, fmt.Errorf("%w: got %d fields", ErrMalformedRecord, len(fields))
	}

	line := &LogLine{
		Timestamp:       fields[0],
		User:            fields[1],
		Database:        fields[2],
		ProcessID:       fields[3],
		ClientAddr:      fields[4],
		SessionID:       fields[5],
		SessionLineNum:  fields[6],
		ProcessDisplay:  fields[7],
		SessionStart:    fields[8],
		VirtualXID:      fields[9],
		XID:             fields[10],
		Severity:        ParseSeverity(fields[11]),
		SQLState:        fields[12],
		Message:         fields[13],
		Detail:          fields[14],
		Hint:            fields[15],
		Query:           fields[16],
		QueryPos:        fields[17],
		Context:         fields[18],
		UserQuery:       fields[19],
		UserQueryPos:    fields[20],
		ErrorLocation:   fields[21],
	}
	if len(fields) == columnsWithAppName {
		line.ApplicationName = fields[22]
	}
	return line, nil
}
