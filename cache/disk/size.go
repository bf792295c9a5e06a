package disk

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

func listEntries(root string, skipTemp bool) ([]cacheEntry, int64, error) {
	entries := make([]cacheEntry, 0)
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if skipTemp && strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		size := info.Size()
		total += size
		entries = append(entries, cacheEntry{
			path:    path,
			size:    size,
			modTime: info.ModTime(),
		})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	return entries, total, err
}

func pruneDir(root string, targetBytes int64) (freed int64, remaining int64, err error) {
	if targetBytes < 0 {
		targetBytes = 0
	}

	entries, total, err := listEntries(root, true)
	if err != nil {
		return 0, 0, err
	}

	remaining = total
	if remaining <= targetBytes {
		return 0, remaining, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	for _, entry := range entries {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(entry.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, remaining, err
		}
		remaining -= entry.size
		freed += entry.size
	}

	return freed, remaining, nil
}

// clearDir removes every regular file under root, checking ctx between
// files. It returns the number of files removed and the bytes left behind.
func clearDir(ctx context.Context, root string) (removed int, remaining int64, err error) {
	entries, total, err := listEntries(root, false)
	if err != nil {
		return 0, total, err
	}

	remaining = total
	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return removed, remaining, ctxErr
		}
		if err := os.Remove(entry.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				remaining -= entry.size
				continue
			}
			return removed, remaining, err
		}
		remaining -= entry.size
		removed++
	}
	return removed, remaining, nil
}
