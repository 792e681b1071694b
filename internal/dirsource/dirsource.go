// Package dirsource implements the engine's TransactionSource port on
// top of the local filesystem.
package dirsource

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/cfdp/internal/engine"
)

// Scanner lists regular files in polled directories.
type Scanner struct {
	// MaxFiles bounds one scan so a huge directory cannot monopolize a
	// wakeup. Zero means no bound.
	MaxFiles int
}

// NewScanner returns a Scanner with a sane per-scan bound.
func NewScanner() *Scanner {
	return &Scanner{MaxFiles: 100}
}

// ScanDirectory implements engine.TransactionSource.
func (s *Scanner) ScanDirectory(srcDir, dstDir string) ([]engine.FileRequest, error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", srcDir, err)
	}

	var out []engine.FileRequest
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		out = append(out, engine.FileRequest{
			SrcName: filepath.Join(srcDir, entry.Name()),
			DstName: filepath.Join(dstDir, entry.Name()),
		})
		if s.MaxFiles > 0 && len(out) >= s.MaxFiles {
			break
		}
	}
	return out, nil
}
