package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// DefaultMaxSizeMB is used when Config.MaxSizeMB is unset, matching
// spec.md's maxLogSizeMB default.
const DefaultMaxSizeMB = 100

// Config describes where a process's stdout/stderr tee files live. Paths
// are always derived from Dir and the process name; procsupd has no
// config surface for explicit path overrides, backup counts, age-based
// pruning, or compression. Rotated files are never pruned: lumberjack's
// backup and age limits are left unset, and the Store's retention sweep
// (cleanup) deletes database rows only.
type Config struct {
	Dir       string // base directory for logs; empty disables the tee
	MaxSizeMB int    // megabytes before rotation (default 100)
}

// Writers returns io.WriteClosers teeing stdout and stderr for the given
// process name to Dir/<name>.stdout.log and Dir/<name>.stderr.log.
func (c Config) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.Dir == "" {
		return nil, nil, nil
	}
	maxSize := c.MaxSizeMB
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeMB
	}
	outW := &lj.Logger{
		Filename: filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name)),
		MaxSize:  maxSize,
	}
	errW := &lj.Logger{
		Filename: filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name)),
		MaxSize:  maxSize,
	}
	return outW, errW, nil
}
