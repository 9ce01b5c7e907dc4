package nmapai

import (
	"bufio"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ReadTargets loads and sanitizes the raw target list: trimmed, blank and
// comment lines dropped, duplicates collapsed keeping first occurrence.
// An unreadable file, or one with nothing left after cleaning, is ErrInput.
func ReadTargets(fs afero.Fs, fpath string) ([]string, error) {
	f, err := fs.Open(fpath)
	if err != nil {
		return nil, errors.Wrapf(ErrInput, "failed to open targets file %s: %v", fpath, err)
	}
	defer f.Close()

	var targets []string
	seen := make(map[string]struct{})

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		targets = append(targets, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(ErrInput, "failed to read targets file %s: %v", fpath, err)
	}

	if len(targets) == 0 {
		return nil, errors.Wrapf(ErrInput, "no valid targets in %s", fpath)
	}
	return targets, nil
}
