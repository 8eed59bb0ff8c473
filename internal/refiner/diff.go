package refiner

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyDiff    = errors.New("diff contains no hunks")
	ErrHunkMismatch = errors.New("hunk does not apply")
	ErrDiffTooLarge = errors.New("diff changes the prompt too much")
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Hunk is one section of a unified diff.
type Hunk struct {
	OldStart int
	NewStart int
	Old      []string
	New      []string
}

// ParseHunks reads the hunks of a unified diff. File headers before the
// first hunk are skipped, hunk line counts are not enforced.
func ParseHunks(diff string) ([]Hunk, error) {
	hunks := []Hunk{}
	var current *Hunk
	for _, line := range strings.Split(strings.ReplaceAll(diff, "\r\n", "\n"), "\n") {
		if match := hunkHeader.FindStringSubmatch(line); match != nil {
			oldStart, _ := strconv.Atoi(match[1])
			newStart, _ := strconv.Atoi(match[3])
			hunks = append(hunks, Hunk{OldStart: oldStart, NewStart: newStart, Old: []string{}, New: []string{}})
			current = &hunks[len(hunks)-1]
			continue
		}
		if current == nil {
			continue
		}
		switch {
		case line == "":
			current.Old = append(current.Old, "")
			current.New = append(current.New, "")
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
		case line[0] == ' ':
			current.Old = append(current.Old, line[1:])
			current.New = append(current.New, line[1:])
		case line[0] == '-':
			current.Old = append(current.Old, line[1:])
		case line[0] == '+':
			current.New = append(current.New, line[1:])
		default:
			return nil, fmt.Errorf("unexpected diff line %q", line)
		}
	}
	for i := range hunks {
		trimTrailingBlank(&hunks[i])
	}
	if len(hunks) == 0 {
		return nil, ErrEmptyDiff
	}
	return hunks, nil
}

// trimTrailingBlank drops the blank context line a trailing newline in the
// diff text leaves behind.
func trimTrailingBlank(hunk *Hunk) {
	old, updated := hunk.Old, hunk.New
	if len(old) > 0 && len(updated) > 0 && old[len(old)-1] == "" && updated[len(updated)-1] == "" {
		hunk.Old = old[:len(old)-1]
		hunk.New = updated[:len(updated)-1]
	}
}

func sameLine(a, b string) bool {
	return strings.TrimRight(a, " \t") == strings.TrimRight(b, " \t")
}

func matchesAt(lines []string, old []string, at int) bool {
	if at < 0 || at+len(old) > len(lines) {
		return false
	}
	for i := range old {
		if !sameLine(lines[at+i], old[i]) {
			return false
		}
	}
	return true
}

// locate finds the position of a hunk, trying the header position first and
// then searching forward from the end of the previous hunk.
func locate(lines []string, hunk *Hunk, hint int, from int) int {
	if hint >= from && matchesAt(lines, hunk.Old, hint) {
		return hint
	}
	for at := from; at+len(hunk.Old) <= len(lines); at++ {
		if matchesAt(lines, hunk.Old, at) {
			return at
		}
	}
	return -1
}

// ApplyHunks applies the hunks in order to text.
func ApplyHunks(text string, hunks []Hunk) (string, error) {
	if len(hunks) == 0 {
		return "", ErrEmptyDiff
	}
	lines := strings.Split(text, "\n")
	offset := 0
	from := 0
	for i := range hunks {
		hunk := &hunks[i]
		hint := max(hunk.OldStart-1+offset, 0)
		if len(hunk.Old) == 0 {
			// pure insertions are anchored after the header line
			hint = min(hunk.OldStart+offset, len(lines))
		}
		at := locate(lines, hunk, hint, from)
		if at < 0 {
			return "", fmt.Errorf("hunk %d at line %d: %w", i+1, hunk.OldStart, ErrHunkMismatch)
		}
		updated := make([]string, 0, len(lines)-len(hunk.Old)+len(hunk.New))
		updated = append(updated, lines[:at]...)
		updated = append(updated, hunk.New...)
		updated = append(updated, lines[at+len(hunk.Old):]...)
		lines = updated
		offset += len(hunk.New) - len(hunk.Old)
		from = at + len(hunk.New)
	}
	return strings.Join(lines, "\n"), nil
}

// ApplyDiff parses diff and applies it to text.
func ApplyDiff(text string, diff string) (string, error) {
	hunks, err := ParseHunks(diff)
	if err != nil {
		return "", err
	}
	return ApplyHunks(text, hunks)
}

// ChangeRatio is |len(updated) - len(original)| / len(original) counted in runes.
func ChangeRatio(original string, updated string) float64 {
	before := utf8.RuneCountInString(original)
	if before == 0 {
		return 0
	}
	return math.Abs(float64(utf8.RuneCountInString(updated)-before)) / float64(before)
}

// CheckChangeRatio rejects an update that changes the length of a non empty prompt by more than maxRatio.
func CheckChangeRatio(original string, updated string, maxRatio float64) error {
	if ratio := ChangeRatio(original, updated); ratio > maxRatio {
		return fmt.Errorf("length changed by %.0f%%, limit is %.0f%%: %w", ratio*100, maxRatio*100, ErrDiffTooLarge)
	}
	return nil
}
