package ops

import (
	"context"
	"os"
	"time"

	"github.com/yanun0323/logs"
)

// fileStamp identifies a version of a file on disk.
type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{mod: info.ModTime(), size: info.Size()}, nil
}

// Watch checks path every interval and hands each new version that loads
// cleanly to update. A version that fails to load is logged and skipped
// until the file changes again. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, interval time.Duration, update func(Loaded)) {
	if interval <= 0 {
		return
	}
	seen, _ := stampOf(path)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		stamp, err := stampOf(path)
		if err != nil {
			logs.Errorf("ops: stat config %s, err: %+v", path, err)
			continue
		}
		if stamp == seen {
			continue
		}
		seen = stamp
		loaded, err := Load(path)
		if err != nil {
			logs.Errorf("ops: reload config %s, err: %+v", path, err)
			continue
		}
		update(loaded)
		logs.Infof("ops: config %s reloaded", path)
	}
}
