// Package trace reads, writes, generates and replays allocation traces.
//
// A trace is a text file in the malloc-lab format: four header numbers (the suggested heap
// size, the number of distinct allocation ids, the number of operations and a scoring weight)
// followed by one operation per line:
//
//	a <id> <size>   allocate size bytes and remember the result as id
//	r <id> <size>   reallocate id to size bytes
//	f <id>          release id
//
// Blank lines and lines starting with '#' are ignored.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type OpKind byte

const (
	OpAllocate   OpKind = 'a'
	OpReallocate OpKind = 'r'
	OpRelease    OpKind = 'f'
)

func (k OpKind) String() string {
	switch k {
	case OpAllocate:
		return "allocate"
	case OpReallocate:
		return "reallocate"
	case OpRelease:
		return "release"
	default:
		return fmt.Sprintf("OpKind(%q)", byte(k))
	}
}

// Op is one line of a trace. Size is unused for OpRelease.
type Op struct {
	Kind OpKind
	ID   int
	Size int
}

type Trace struct {
	SuggestedHeapSize int
	IDCount           int
	Weight            int
	Ops               []Op
}

// ErrMalformed is matched by every error Parse returns for bad input
var ErrMalformed = errors.New("trace: malformed")

// maxCapacityHint bounds the storage reserved up front from header counts, which come from the
// file and are not trusted
const maxCapacityHint = 1 << 16

func capacityHint(count int) int {
	if count > maxCapacityHint {
		return maxCapacityHint
	}
	return count
}

// Parse reads a trace. Errors name the offending line.
func Parse(r io.Reader) (*Trace, error) {
	scanner := bufio.NewScanner(r)

	var header []int
	var opCount int
	t := &Trace{}

	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)

		if len(header) < 4 {
			for _, field := range fields {
				value, err := strconv.Atoi(field)
				if err != nil || value < 0 {
					return nil, errors.Wrapf(ErrMalformed, "line %d: header value %q is not a non-negative integer", line, field)
				}
				if len(header) == 4 {
					return nil, errors.Wrapf(ErrMalformed, "line %d: trailing header value %q", line, field)
				}
				header = append(header, value)
			}
			if len(header) == 4 {
				t.SuggestedHeapSize, t.IDCount, opCount, t.Weight = header[0], header[1], header[2], header[3]
				t.Ops = make([]Op, 0, capacityHint(opCount))
			}
			continue
		}

		op, err := parseOp(fields, t.IDCount)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		t.Ops = append(t.Ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "trace: read failed")
	}

	if len(header) < 4 {
		return nil, errors.Wrapf(ErrMalformed, "header has %d of 4 values", len(header))
	}
	if len(t.Ops) != opCount {
		return nil, errors.Wrapf(ErrMalformed, "header promises %d ops, found %d", opCount, len(t.Ops))
	}

	return t, nil
}

func parseOp(fields []string, idCount int) (Op, error) {
	if len(fields[0]) != 1 {
		return Op{}, errors.Wrapf(ErrMalformed, "unknown op %q", fields[0])
	}

	op := Op{Kind: OpKind(fields[0][0])}
	want := 3
	switch op.Kind {
	case OpAllocate, OpReallocate:
	case OpRelease:
		want = 2
	default:
		return Op{}, errors.Wrapf(ErrMalformed, "unknown op %q", fields[0])
	}
	if len(fields) != want {
		return Op{}, errors.Wrapf(ErrMalformed, "%s takes %d fields, found %d", op.Kind, want, len(fields))
	}

	var err error
	op.ID, err = strconv.Atoi(fields[1])
	if err != nil || op.ID < 0 || (idCount > 0 && op.ID >= idCount) {
		return Op{}, errors.Wrapf(ErrMalformed, "id %q is not in [0, %d)", fields[1], idCount)
	}

	if want == 3 {
		op.Size, err = strconv.Atoi(fields[2])
		if err != nil || op.Size < 0 {
			return Op{}, errors.Wrapf(ErrMalformed, "size %q is not a non-negative integer", fields[2])
		}
	}

	return op, nil
}

// Write writes t in the format read by Parse
func Write(w io.Writer, t *Trace) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "%d\n%d\n%d\n%d\n", t.SuggestedHeapSize, t.IDCount, len(t.Ops), t.Weight)
	for _, op := range t.Ops {
		if op.Kind == OpRelease {
			fmt.Fprintf(bw, "%c %d\n", op.Kind, op.ID)
		} else {
			fmt.Fprintf(bw, "%c %d %d\n", op.Kind, op.ID, op.Size)
		}
	}

	return errors.Wrap(bw.Flush(), "trace: write failed")
}
