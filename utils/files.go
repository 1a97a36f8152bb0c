package utils

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	ModFileExt         = ".rwmod"
	TranslatedSuffix   = "_translated"
	DefaultMaxFileSize = 100 * 1024 * 1024
)

// ValidateModFile rejects names without the .rwmod extension and sizes
// above maxBytes. It never touches the network.
func ValidateModFile(name string, size, maxBytes int64) error {
	if strings.TrimSpace(name) == "" {
		return NewAPIError(ErrCodeNoFile, "", 0)
	}
	if !strings.HasSuffix(strings.ToLower(name), ModFileExt) {
		apiErr := NewAPIError(ErrCodeInvalidFileType, "", 0)
		apiErr.Err = fmt.Errorf("%w: %s", ErrInvalidFileType, name)
		return apiErr
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileSize
	}
	if size > maxBytes {
		apiErr := NewAPIError(ErrCodeFileTooLarge,
			fmt.Sprintf("file size %s exceeds the %s limit", FormatFileSize(size), FormatFileSize(maxBytes)), 0)
		apiErr.Err = ErrFileSizeExceeded
		return apiErr
	}
	return nil
}

// TranslatedFilename derives the save name of a translated artifact:
// the .rwmod extension is stripped, the suffix added and the extension
// put back.
func TranslatedFilename(original string) string {
	base := filepath.Base(original)
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	if strings.HasSuffix(strings.ToLower(base), ModFileExt) {
		base = base[:len(base)-len(ModFileExt)]
	}
	if base == "" {
		base = "result"
	}
	return base + TranslatedSuffix + ModFileExt
}

// FormatFileSize renders a byte count with a binary unit.
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

type FileManager struct {
	logger *Logger
}

func NewFileManager(logger *Logger) *FileManager {
	return &FileManager{
		logger: logger,
	}
}

// WriteAtomically streams r into dst through a temporary file in the same
// directory, so an interrupted download never leaves a partial artifact.
func (fm *FileManager) WriteAtomically(dst string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to write file contents: %w", err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}

	fm.logger.WithField("destination", dst).
		WithField("bytes", written).
		Debug("File written")

	return written, nil
}

func (fm *FileManager) CalculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// UniquePath returns path, or path with a numeric suffix when it exists.
func UniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s(%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
