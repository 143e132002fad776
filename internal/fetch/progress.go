package fetch

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// git --progress output, forced to the C locale.
var (
	transferLine = regexp.MustCompile(`^Receiving objects:\s+\d+%\s+\((\d+)/(\d+)\)(?:,\s*([\d.]+ (?:[KMGT]iB|bytes?)))?`)
	checkoutLine = regexp.MustCompile(`^(?:Updating files|Checking out files):\s+\d+%\s+\((\d+)/(\d+)\)`)
	// Other counters git prints (counting, compressing, resolving deltas).
	counterLine = regexp.MustCompile(`^(?:remote:\s+)?[A-Z][a-z]+(?: [a-z]+)*:\s+\d+%\s+\(\d+/\d+\)`)
)

type lineKind int

const (
	lineDiagnostic lineKind = iota
	lineTransfer
	lineCheckout
	lineCounter
)

type progressSample struct {
	current uint64
	total   uint64
	bytes   uint64
}

func parseProgressLine(line string) (lineKind, progressSample) {
	if m := transferLine.FindStringSubmatch(line); m != nil {
		s := progressSample{current: parseUint(m[1]), total: parseUint(m[2])}
		if m[3] != "" {
			s.bytes = parseSize(m[3])
		}
		return lineTransfer, s
	}
	if m := checkoutLine.FindStringSubmatch(line); m != nil {
		return lineCheckout, progressSample{current: parseUint(m[1]), total: parseUint(m[2])}
	}
	if counterLine.MatchString(line) {
		return lineCounter, progressSample{}
	}
	return lineDiagnostic, progressSample{}
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}

// parseSize reads git's humanised sizes such as "1.20 MiB" or "250 bytes".
func parseSize(s string) uint64 {
	s = strings.TrimSuffix(strings.TrimSuffix(s, "bytes"), "byte")
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// scanProgressLines is a bufio.SplitFunc that ends a token at either '\r' or
// '\n', since git redraws progress in place with carriage returns.
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
