package keys

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LoadFile reads one private key per line from path. See Load.
func LoadFile(path string) ([]*Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file %s: %w", path, err)
	}
	defer f.Close()

	ids, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ids, nil
}

// Load parses one hex private key per line. Blank lines and lines starting
// with # are ignored. Any other line that does not parse fails the whole load;
// the error carries the line number only.
func Load(r io.Reader) ([]*Identity, error) {
	var ids []*Identity

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		id, err := Parse(text)
		if err != nil {
			destroyAll(ids)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		destroyAll(ids)
		return nil, fmt.Errorf("failed to read keys: %w", err)
	}
	return ids, nil
}

func destroyAll(ids []*Identity) {
	for _, id := range ids {
		id.Destroy()
	}
}
