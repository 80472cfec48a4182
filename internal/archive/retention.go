package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Info describes one archive file for retention decisions.
type Info struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Runs      int       `json:"runs"`
}

// Policy selects the archives to keep from a newest-first list.
type Policy interface {
	Keep(archives []Info) []Info
}

// KeepLast keeps the N newest archives. N <= 0 keeps everything.
type KeepLast struct {
	N int
}

func (p KeepLast) Keep(archives []Info) []Info {
	if p.N <= 0 || len(archives) <= p.N {
		return archives
	}
	return archives[:p.N]
}

// KeepNewerThan keeps archives created within MaxAge of Now.
type KeepNewerThan struct {
	MaxAge time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (p KeepNewerThan) Keep(archives []Info) []Info {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	cutoff := now().Add(-p.MaxAge)
	var keep []Info
	for _, a := range archives {
		if a.CreatedAt.After(cutoff) {
			keep = append(keep, a)
		}
	}
	return keep
}

// KeepUnderSize keeps the newest archives whose combined size fits MaxBytes.
// The newest archive is always kept.
type KeepUnderSize struct {
	MaxBytes int64
}

func (p KeepUnderSize) Keep(archives []Info) []Info {
	var keep []Info
	var total int64
	for _, a := range archives {
		if len(keep) > 0 && total+a.Size > p.MaxBytes {
			break
		}
		keep = append(keep, a)
		total += a.Size
	}
	return keep
}

// All keeps an archive only if every policy keeps it. An empty All keeps
// everything.
type All []Policy

func (ps All) Keep(archives []Info) []Info {
	keep := archives
	for _, p := range ps {
		keep = p.Keep(keep)
	}
	return keep
}

// NewPolicy keeps at most keep archives, none older than maxAge. A zero
// value disables that limit.
func NewPolicy(keep int, maxAge time.Duration) Policy {
	var ps All
	if keep > 0 {
		ps = append(ps, KeepLast{N: keep})
	}
	if maxAge > 0 {
		ps = append(ps, KeepNewerThan{MaxAge: maxAge})
	}
	return ps
}

// List scans dir for archives, newest first. A missing dir is empty.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading archive directory: %w", err)
	}

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || filepath.Ext(name) != FileExt {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info := Info{
			Path:      filepath.Join(dir, name),
			Size:      fi.Size(),
			CreatedAt: fi.ModTime(),
		}
		if h, err := ReadHeader(info.Path); err == nil {
			info.CreatedAt = h.CreatedAt
			info.Runs = h.RunCount
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Path > out[j].Path
	})
	return out, nil
}

// Prune removes the archives in dir that policy does not keep and returns
// the removed paths. With dryRun nothing is removed.
func Prune(dir string, policy Policy, dryRun bool) ([]string, error) {
	archives, err := List(dir)
	if err != nil {
		return nil, err
	}

	kept := make(map[string]bool)
	for _, a := range policy.Keep(archives) {
		kept[a.Path] = true
	}

	var removed []string
	for _, a := range archives {
		if kept[a.Path] {
			continue
		}
		if !dryRun {
			if err := os.Remove(a.Path); err != nil {
				return removed, fmt.Errorf("removing %s: %w", filepath.Base(a.Path), err)
			}
		}
		removed = append(removed, a.Path)
	}
	return removed, nil
}

// ParseAge parses ages like "36h", "30d" or "2w".
func ParseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty age")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	unit := map[byte]time.Duration{'d': 24 * time.Hour, 'w': 7 * 24 * time.Hour}[s[len(s)-1]]
	if unit == 0 {
		return 0, fmt.Errorf("invalid age %q (use h, d or w)", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return time.Duration(n) * unit, nil
}

// ParseSize parses sizes like "500KB", "100MB" or "1GB" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(s, u.suffix), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid size %q", s)
		}
		return n * u.mult, nil
	}
	return 0, fmt.Errorf("invalid size %q (use B, KB, MB or GB)", s)
}
