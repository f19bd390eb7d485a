// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ledger

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// FormatIndex renders an ffmpeg concat list for files.
func FormatIndex(files []string) []byte {
	var buf bytes.Buffer
	for _, f := range files {
		buf.WriteString("file ")
		buf.WriteString(quoteConcat(f))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// WriteIndex atomically writes the concat list for files.
func WriteIndex(path string, files []string) error {
	return writeAtomic(path, FormatIndex(files))
}

// ReadIndex returns the file paths listed in a concat index. Both quoted
// and bare "file" directives are accepted; other lines are ignored.
func ReadIndex(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var files []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "file ")
		if !ok {
			continue
		}
		if f := unquoteConcat(strings.TrimSpace(rest)); f != "" {
			files = append(files, f)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan index: %w", err)
	}
	return files, nil
}

// quoteConcat single-quotes s for the concat demuxer, escaping embedded
// quotes the way a POSIX shell does.
func quoteConcat(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unquoteConcat(s string) string {
	if !strings.HasPrefix(s, "'") {
		return s
	}
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
		case c == '\\' && !inQuote && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
