// Package parser reads the line protocol a harness `run` script prints.
//
// The output is a sequence of blocks followed by an optional grade line:
//
//	<name>
//	<provided>
//	<received>
//	<expected>
//	<hint>...        zero or more
//	<blank line>     or end of input
//	...
//	<grade>
//
// Parsing is a two-state machine. In AwaitingBlockStart a non-empty line
// opens a block, unless only blank lines follow it, in which case it is the
// grade. In ConsumingHints every line up to the next empty line is a hint,
// including lines made only of spaces.
package parser

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"hive/pkg/errors"
)

// MaxLineBytes bounds a single protocol line.
const MaxLineBytes = 1 << 20

// ErrMalformedReport marks output that ended inside a block header.
var ErrMalformedReport = errors.New(errors.MalformedReport)

// State is the parser's position in the protocol.
type State int

const (
	AwaitingBlockStart State = iota
	ConsumingHints
)

func (s State) String() string {
	switch s {
	case AwaitingBlockStart:
		return "awaiting_block_start"
	case ConsumingHints:
		return "consuming_hints"
	}
	return "unknown"
}

// TestRecord is one block of the protocol.
type TestRecord struct {
	Name     string   `json:"name"`
	Provided string   `json:"provided"`
	Received string   `json:"received"`
	Expected string   `json:"expected"`
	Hints    []string `json:"hints,omitempty"`
}

// Passed reports a byte-exact match of received and expected.
func (r TestRecord) Passed() bool {
	return r.Received == r.Expected
}

// Result is everything a parse produced.
type Result struct {
	Records []TestRecord
	Grade   int
}

// Passed counts passing records.
func (r Result) Passed() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Passed() {
			n++
		}
	}
	return n
}

// Parser consumes its reader once. Use Next to pull records lazily, then
// Grade and Err once Next returns false.
type Parser struct {
	sc    *bufio.Scanner
	state State
	cur   *TestRecord
	grade int
	err   error
	done  bool

	// pending holds lines read ahead of the machine, replayed first.
	pending []string
}

// New returns a parser over r.
func New(r io.Reader) *Parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Parser{sc: sc, state: AwaitingBlockStart}
}

// State returns the current machine state.
func (p *Parser) State() State { return p.state }

// Grade is valid after Next has returned false.
func (p *Parser) Grade() int { return p.grade }

// Err returns ErrMalformedReport for a truncated block, or a read error.
func (p *Parser) Err() error { return p.err }

// Next returns the next complete record.
func (p *Parser) Next() (TestRecord, bool) {
	for !p.done {
		switch p.state {
		case AwaitingBlockStart:
			line, ok := p.readLine()
			if !ok {
				p.finish()
				return TestRecord{}, false
			}
			if line == "" {
				continue
			}
			p.openBlock(line)

		case ConsumingHints:
			line, ok := p.readLine()
			if ok && line != "" {
				p.cur.Hints = append(p.cur.Hints, line)
				continue
			}
			rec := *p.cur
			p.cur = nil
			p.state = AwaitingBlockStart
			if !ok {
				p.finish()
			}
			return rec, true
		}
	}
	return TestRecord{}, false
}

// openBlock decides what a non-empty line in AwaitingBlockStart is. It is
// the grade when nothing but blank lines follows it through end of input,
// otherwise it names a block whose next three lines are its fields.
func (p *Parser) openBlock(name string) {
	fields := make([]string, 0, 3)
	for len(fields) < 3 {
		line, ok := p.readLine()
		if !ok {
			break
		}
		fields = append(fields, line)
	}

	if len(fields) == 3 && !p.onlyBlankRemains(fields) {
		p.cur = &TestRecord{
			Name:     name,
			Provided: fields[0],
			Received: fields[1],
			Expected: fields[2],
		}
		p.state = ConsumingHints
		return
	}

	p.finish()
	if p.err != nil {
		return
	}
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			p.grade = 0
			p.err = ErrMalformedReport
			return
		}
	}
	p.grade = parseGrade(name)
}

// onlyBlankRemains reports whether fields and every line after them up to
// end of input are blank. Lines read past fields are pushed back when a
// meaningful one turns up.
func (p *Parser) onlyBlankRemains(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	var ahead []string
	for {
		line, ok := p.readLine()
		if !ok {
			return true
		}
		ahead = append(ahead, line)
		if strings.TrimSpace(line) != "" {
			p.pending = append(ahead, p.pending...)
			return false
		}
	}
}

func (p *Parser) finish() {
	if p.done {
		return
	}
	p.done = true
	if err := p.sc.Err(); err != nil {
		p.grade = 0
		p.err = errors.Wrapf(err, errors.MalformedReport, "read report: %v", err)
	}
}

func (p *Parser) readLine() (string, bool) {
	if len(p.pending) > 0 {
		line := p.pending[0]
		p.pending = p.pending[1:]
		return line, true
	}
	if !p.sc.Scan() {
		return "", false
	}
	return strings.TrimSuffix(p.sc.Text(), "\r"), true
}

func parseGrade(s string) int {
	grade, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return grade
}

// Parse drains r. On ErrMalformedReport the records parsed before the
// truncated block are returned with grade 0.
func Parse(r io.Reader) (Result, error) {
	p := New(r)
	var res Result
	for rec, ok := p.Next(); ok; rec, ok = p.Next() {
		res.Records = append(res.Records, rec)
	}
	res.Grade = p.Grade()
	return res, p.Err()
}

// ParseString is Parse over an in-memory report.
func ParseString(s string) (Result, error) {
	return Parse(strings.NewReader(s))
}
