package strategy

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"quantback/internal/factor"
	"quantback/internal/logger"
)

var log = logger.Named("strategy")

// Snapshot 为一次目录加载的只读结果。
type Snapshot struct {
	Version    int64
	LoadedAt   time.Time
	Strategies []*Compiled
}

// ChangeListener 在策略目录变更且重载成功后被调用。
type ChangeListener func(Snapshot)

// Watcher 监听策略目录，文件变更时整目录重载。
// 重载失败保留上一份有效快照，坏文件不打断在跑的服务。
type Watcher struct {
	dir string
	reg *factor.Registry
	fw  *fsnotify.Watcher

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
	done      chan struct{}
}

// NewWatcher 先做一次完整加载，失败直接返回错误；
// 之后开始监听目录事件。
func NewWatcher(dir string, reg *factor.Registry) (*Watcher, error) {
	w, err := NewStaticWatcher(dir, reg)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w.fw = fw
	w.done = make(chan struct{})
	go w.loop()
	return w, nil
}

// NewStaticWatcher 只做一次性加载，不监听目录变更。
// 关闭热更新的部署走这里，快照固定为启动时的版本。
func NewStaticWatcher(dir string, reg *factor.Registry) (*Watcher, error) {
	strategies, err := LoadDir(dir, reg)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir: dir,
		reg: reg,
		snapshot: Snapshot{
			Version:    1,
			LoadedAt:   time.Now(),
			Strategies: strategies,
		},
	}, nil
}

// Snapshot 返回当前策略快照。
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

// Subscribe 注册变更回调。
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Close 停止监听。静态加载的实例没有监听资源，直接返回。
func (w *Watcher) Close() error {
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
	if w.fw == nil {
		return nil
	}
	return w.fw.Close()
}

func (w *Watcher) loop() {
	// 编辑器保存会触发一串事件，合并 200ms 内的连续变更
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Ext(evt.Name), ".json") {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
				timerC = timer.C
			} else {
				timer.Reset(200 * time.Millisecond)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnf("策略目录监听错误: %v", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	strategies, err := LoadDir(w.dir, w.reg)
	if err != nil {
		log.Errorf("策略目录重载失败，沿用旧快照: %v", err)
		return
	}
	w.mu.Lock()
	w.snapshot = Snapshot{
		Version:    w.snapshot.Version + 1,
		LoadedAt:   time.Now(),
		Strategies: strategies,
	}
	snap := w.snapshot
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.Unlock()

	log.Infof("策略目录已重载: %d 条策略, 版本 %d", len(snap.Strategies), snap.Version)
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("策略变更回调 panic: %v", r)
				}
			}()
			cb(snap)
		}(fn)
	}
}
