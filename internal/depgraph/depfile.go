package depgraph

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/mmr-tortoise/netlab/internal/model"
)

// FileName is the name of the dependency file inside a lab directory.
const FileName = "lab.dep"

// depLine matches "unit: dep1 dep2", with optional spaces around the colon.
var depLine = regexp.MustCompile(`^([\w.-]+)\s*:\s*([\w.-]+(?:\s+[\w.-]+)*)$`)

// Parse reads a lab.dep stream. Blank lines and lines starting with '#' are
// ignored; repeated keys accumulate. An empty file yields a nil mapping.
func Parse(r io.Reader) (map[string][]string, error) {
	var deps map[string][]string

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m := depLine.FindStringSubmatch(line)
		if m == nil {
			return nil, model.Validationf("parse", FileName, "line %d: syntax error: %q", lineNo, line)
		}

		if deps == nil {
			deps = make(map[string][]string)
		}
		deps[m[1]] = append(deps[m[1]], strings.Fields(m[2])...)
	}
	if err := scanner.Err(); err != nil {
		return nil, model.Wrap("read", FileName, err)
	}

	return deps, nil
}
