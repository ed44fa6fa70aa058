package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// tempPrefixes are the names our helpers give to scratch files.
var tempPrefixes = []string{"pdfdl-", "s3pdf-", "ocr-page-", "upload-"}

// CleanupTemps removes scratch files older than maxAge from the given
// directories, the system temp dir when none are given. Subdirectories are
// not visited. Files for which keep reports true are left alone whatever
// their age; keep may be nil.
func CleanupTemps(maxAge time.Duration, keep func(path string) bool, dirs ...string) int {
	if len(dirs) == 0 {
		dirs = []string{os.TempDir()}
	}
	now := time.Now()
	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !isScratch(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil || now.Sub(info.ModTime()) < maxAge {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if keep != nil && keep(path) {
				continue
			}
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("cleaned up temp files")
	}
	return removed
}

func isScratch(name string) bool {
	for _, p := range tempPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
