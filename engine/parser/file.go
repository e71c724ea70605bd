package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const peekSampleSize = 8192

// Open opens path for streaming, transparently unwrapping gzip if the file
// is named *.gz or its first two bytes carry the gzip magic number. The
// returned io.ReadCloser must be closed by the caller.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parser: open %s: %w", path, err)
	}

	gz, err := isGzip(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !gz {
		return f, nil
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parser: gzip header %s: %w", path, err)
	}
	return &gzipReadCloser{zr: zr, f: f}, nil
}

type gzipReadCloser struct {
	zr *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipReadCloser) Close() error {
	zerr := g.zr.Close()
	ferr := g.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}

func isGzip(path string, f *os.File) (bool, error) {
	if strings.HasSuffix(path, ".gz") {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return false, err
		}
		return true, nil
	}
	magic := make([]byte, 2)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, fmt.Errorf("parser: reading magic bytes of %s: %w", path, err)
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		return false, serr
	}
	return n >= 2 && magic[0] == 0x1F && magic[1] == 0x8B, nil
}

// DetectFormat peeks at the first non-blank lines of r (without consuming
// them — br must be a *bufio.Reader so the peeked bytes remain available to
// the subsequent parse) and guesses json_array vs ndjson. A leading '['
// means json_array; otherwise, if any sampled line begins with '{' or '"',
// it's ndjson. Defaults to json_array.
func DetectFormat(br *bufio.Reader) Format {
	sample, _ := br.Peek(peekSampleSize)
	lines := sampleLines(sample, 5)
	if len(lines) == 0 {
		return FormatJSONArray
	}
	if strings.HasPrefix(lines[0], "[") {
		return FormatJSONArray
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") || strings.HasPrefix(line, "\"") {
			return FormatNDJSON
		}
	}
	return FormatJSONArray
}

func sampleLines(buf []byte, max int) []string {
	var lines []string
	for _, raw := range strings.Split(string(buf), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) >= max {
			break
		}
	}
	return lines
}

// QuickStats returns a cheap, approximate summary of path without a full
// streaming pass: file size, detected format, and a rough item-count
// estimate (comma-counting for json_array, line-counting capped at 1000
// for ndjson).
func QuickStats(path string) (FileStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileStats{}, fmt.Errorf("parser: stat %s: %w", path, err)
	}

	rc, err := Open(path)
	if err != nil {
		return FileStats{}, err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, peekSampleSize)
	format := DetectFormat(br)

	var estimated int
	if format == FormatJSONArray {
		sample, _ := br.Peek(10_000)
		commas := strings.Count(string(sample), ",")
		estimated = commas / 10
		if estimated < 1 {
			estimated = 1
		}
	} else {
		lines := 0
		for lines < 1000 {
			_, err := br.ReadString('\n')
			if err != nil {
				break
			}
			lines++
		}
		estimated = lines
	}

	return FileStats{
		FileSizeBytes:  info.Size(),
		DetectedFormat: format,
		EstimatedItems: estimated,
		FilePath:       path,
	}, nil
}
