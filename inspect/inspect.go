// Package inspect looks inside a .rwmod archive before it is uploaded so
// that obviously broken files are rejected without a backend round trip.
package inspect

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/nwaples/rardecode"
	"github.com/saintfish/chardet"
	"github.com/yeka/zip"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"

	"rusted-workshop-web/utils"
)

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	rarMagic      = []byte("Rar!\x1a\x07")
)

type Options struct {
	MaxEntries          int
	MaxUncompressed     uint64
	MaxCompressionRatio float64
	MaxPreviews         int
	PreviewBytes        int
}

func DefaultOptions() Options {
	return Options{
		MaxEntries:          10000,
		MaxUncompressed:     2 << 30,
		MaxCompressionRatio: 200,
		MaxPreviews:         3,
		PreviewBytes:        2048,
	}
}

type Entry struct {
	Name             string `json:"name"`
	Size             uint64 `json:"size"`
	CompressedSize   uint64 `json:"compressed_size"`
	Encrypted        bool   `json:"encrypted,omitempty"`
	TranslatableText bool   `json:"translatable_text,omitempty"`
}

// TextPreview is the decoded head of a translatable text entry.
type TextPreview struct {
	Name       string `json:"name"`
	Charset    string `json:"charset"`
	Confidence int    `json:"confidence"`
	Text       string `json:"text"`
}

type Report struct {
	Format            string        `json:"format"`
	Entries           []Entry       `json:"entries"`
	TotalUncompressed uint64        `json:"total_uncompressed"`
	TextFiles         int           `json:"text_files"`
	Encrypted         bool          `json:"encrypted"`
	Previews          []TextPreview `json:"previews,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
}

// InspectFile opens path and inspects it.
func InspectFile(path string, opts Options) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return Inspect(f, info.Size(), opts)
}

// Inspect validates the archive in r. Failures are *utils.APIError with
// code INVALID_ARCHIVE.
func Inspect(r io.ReaderAt, size int64, opts Options) (*Report, error) {
	header := make([]byte, 8)
	n, err := r.ReadAt(header, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, invalid("cannot read archive header", err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, rarMagic):
		return nil, rarError(r, size)
	case bytes.HasPrefix(header, zipMagic), bytes.HasPrefix(header, zipEmptyMagic):
		return inspectZip(r, size, opts)
	default:
		return nil, invalid("the file is not a zip archive", nil)
	}
}

func inspectZip(r io.ReaderAt, size int64, opts Options) (*Report, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, invalid("the zip directory is damaged", err)
	}

	if opts.MaxEntries > 0 && len(zr.File) > opts.MaxEntries {
		return nil, invalid(fmt.Sprintf("archive has %d entries, more than the %d allowed", len(zr.File), opts.MaxEntries), nil)
	}

	report := &Report{Format: "zip", Entries: make([]Entry, 0, len(zr.File))}
	var compressed uint64

	for _, f := range zr.File {
		if unsafeName(f.Name) {
			return nil, invalid(fmt.Sprintf("entry %q escapes the archive root", f.Name), nil)
		}
		if f.FileInfo().IsDir() {
			continue
		}

		entry := Entry{
			Name:             f.Name,
			Size:             f.UncompressedSize64,
			CompressedSize:   f.CompressedSize64,
			Encrypted:        f.IsEncrypted(),
			TranslatableText: isTranslatable(f.Name),
		}
		report.Entries = append(report.Entries, entry)
		report.TotalUncompressed += entry.Size
		compressed += entry.CompressedSize

		if entry.Encrypted {
			report.Encrypted = true
		}
		if entry.TranslatableText {
			report.TextFiles++
			if !entry.Encrypted && len(report.Previews) < opts.MaxPreviews {
				if p, err := preview(f, opts.PreviewBytes); err == nil {
					report.Previews = append(report.Previews, *p)
				} else {
					report.Warnings = append(report.Warnings, fmt.Sprintf("cannot read %s: %v", f.Name, err))
				}
			}
		}
	}

	if opts.MaxUncompressed > 0 && report.TotalUncompressed > opts.MaxUncompressed {
		return nil, invalid(fmt.Sprintf("archive expands to %s", utils.FormatFileSize(int64(report.TotalUncompressed))), nil)
	}
	if opts.MaxCompressionRatio > 0 && compressed > 0 &&
		float64(report.TotalUncompressed)/float64(compressed) > opts.MaxCompressionRatio {
		return nil, invalid("archive compression ratio is suspiciously high", nil)
	}

	if report.Encrypted {
		report.Warnings = append(report.Warnings, "archive contains password protected entries")
	}
	if report.TextFiles == 0 {
		report.Warnings = append(report.Warnings, "no .ini or .txt files found, nothing to translate")
	}

	return report, nil
}

// rarError explains a RAR archive renamed to .rwmod. The entry count is
// best effort.
func rarError(r io.ReaderAt, size int64) error {
	rr, err := rardecode.NewReader(io.NewSectionReader(r, 0, size), "")
	if err != nil {
		return invalid("the file is a RAR archive; Rusted Warfare mods must be zip archives", err)
	}
	entries := 0
	for {
		if _, err := rr.Next(); err != nil {
			break
		}
		entries++
	}
	return invalid(fmt.Sprintf("the file is a RAR archive with %d entries; Rusted Warfare mods must be zip archives", entries), nil)
}

func preview(f *zip.File, limit int) (*TextPreview, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf, err := io.ReadAll(io.LimitReader(rc, int64(limit)))
	if err != nil {
		return nil, err
	}

	charset, confidence := DetectCharset(buf)
	return &TextPreview{
		Name:       f.Name,
		Charset:    charset,
		Confidence: confidence,
		Text:       DecodeText(buf, charset),
	}, nil
}

// DetectCharset guesses the encoding of b. Valid UTF-8 is reported as
// such without consulting the detector.
func DetectCharset(b []byte) (string, int) {
	if utf8.Valid(b) {
		return "UTF-8", 100
	}
	result, err := chardet.NewTextDetector().DetectBest(b)
	if err != nil || result == nil {
		return "", 0
	}
	return result.Charset, result.Confidence
}

// DecodeText converts b from charset to UTF-8. Unknown charsets fall back
// to replacing invalid sequences.
func DecodeText(b []byte, charset string) string {
	if enc := lookupEncoding(charset); enc != nil {
		if out, err := enc.NewDecoder().Bytes(b); err == nil {
			return string(out)
		}
	}
	return strings.ToValidUTF8(string(b), "�")
}

func lookupEncoding(charset string) encoding.Encoding {
	switch strings.ToUpper(charset) {
	case "", "UTF-8":
		return nil
	case "GB-18030", "GB18030":
		return simplifiedchinese.GB18030
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil
	}
	return enc
}

func isTranslatable(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".ini", ".txt", ".template":
		return true
	}
	return false
}

func unsafeName(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || (len(name) > 1 && name[1] == ':') {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func invalid(message string, cause error) *utils.APIError {
	return utils.WrapAPIError(utils.ErrCodeInvalidArchive, message, 0, cause)
}
