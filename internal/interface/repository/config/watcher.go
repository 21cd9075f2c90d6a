package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coder/quartz"
	"github.com/fsnotify/fsnotify"

	"proxyd/internal/domain"
)

// DefaultDebounce は連続したファイル変更をまとめる待ち時間
const DefaultDebounce = time.Second

// Watcher は設定ファイルとフィルタファイルの変更を監視する
// エディタはファイルを置き換えることがあるので、ディレクトリを監視して名前で絞り込む
type Watcher struct {
	// files は Run のゴルーチンだけが触る
	files    map[string]struct{}
	updates  chan map[string]struct{}
	onChange func()
	logger   domain.Logger
	clock    quartz.Clock
	debounce time.Duration
}

// NewWatcher は新しいWatcherインスタンスを作成
// 空のパスは無視される
func NewWatcher(paths []string, onChange func(), logger domain.Logger) *Watcher {
	return &Watcher{
		files:    fileSet(paths),
		updates:  make(chan map[string]struct{}, 1),
		onChange: onChange,
		logger:   logger,
		clock:    quartz.NewReal(),
		debounce: DefaultDebounce,
	}
}

func fileSet(paths []string) map[string]struct{} {
	files := make(map[string]struct{})
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		files[filepath.Clean(abs)] = struct{}{}
	}
	return files
}

// Watch は監視するファイルを paths に置き換える.
// 再読み込みでフィルタファイルの場所が変わったときに呼ぶ.
func (w *Watcher) Watch(paths []string) {
	files := fileSet(paths)
	for {
		select {
		case w.updates <- files:
			return
		default:
		}
		// 未適用の古い指定は捨てる
		select {
		case <-w.updates:
		default:
		}
	}
}

// WithClock はテスト用に時計を差し替える
func (w *Watcher) WithClock(clock quartz.Clock) *Watcher {
	w.clock = clock
	return w
}

// WithDebounce は待ち時間を変更する
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Run はctxがキャンセルされるまで監視を続ける
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	watched := make(map[string]struct{})
	if err := w.syncDirs(fw, watched); err != nil {
		return err
	}

	var (
		timer   *quartz.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Configuration change detected", map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			})
			if timer == nil {
				timer = w.clock.NewTimer(w.debounce, "config", "debounce")
			} else {
				timer.Reset(w.debounce, "config", "debounce")
			}
			pending = timer.C

		case files := <-w.updates:
			w.files = files
			if err := w.syncDirs(fw, watched); err != nil {
				w.logger.Error("Could not update watched files", err, nil)
			}

		case <-pending:
			pending = nil
			w.onChange()

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("File watcher error", err, nil)
		}
	}
}

// syncDirs は w.files の親ディレクトリだけが監視されるように fw を更新する
func (w *Watcher) syncDirs(fw *fsnotify.Watcher, watched map[string]struct{}) error {
	dirs := make(map[string]struct{})
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range watched {
		if _, ok := dirs[dir]; !ok {
			fw.Remove(dir)
			delete(watched, dir)
		}
	}
	for dir := range dirs {
		if _, ok := watched[dir]; ok {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		watched[dir] = struct{}{}
	}

	w.logger.Info("Watching configuration files", map[string]interface{}{
		"files": len(w.files),
	})
	return nil
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	_, ok := w.files[filepath.Clean(event.Name)]
	return ok
}
