package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/common/logger"
)

// Report files dropped by agents whose tool call path is unavailable:
// .report_to_parent_<anything>.json in the child's working directory.
const (
	reportFilePrefix = ".report_to_parent_"
	reportFileSuffix = ".json"
)

// reportWatcher watches a child's working directory for a dropped report
// file and submits it as if report_to_parent had been called.
type reportWatcher struct {
	log      *logger.Logger
	agentID  string
	dir      string
	fsw      *fsnotify.Watcher
	submit   func(ctx context.Context, agentID string, report Report) error
	stopOnce sync.Once
	done     chan struct{}
}

// startReportWatcher installs the fallback file watcher for a child. Watcher
// failures are non-fatal: the tool path and auto-report still cover the child.
func (o *Orchestrator) startReportWatcher(rec *ChildRecord, cwd string) {
	if cwd == "" {
		return
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		o.log.Warn("report watcher unavailable", zap.String("agent_id", rec.AgentID), zap.Error(err))
		return
	}
	if err := fsw.Add(cwd); err != nil {
		o.log.Warn("report watcher cannot watch cwd",
			zap.String("agent_id", rec.AgentID), zap.String("dir", cwd), zap.Error(err))
		fsw.Close()
		return
	}

	w := &reportWatcher{
		log:     o.log,
		agentID: rec.AgentID,
		dir:     cwd,
		fsw:     fsw,
		submit:  o.SubmitReport,
		done:    make(chan struct{}),
	}

	o.mu.Lock()
	o.watchers[rec.AgentID] = w
	o.mu.Unlock()

	go w.run()
}

func (w *reportWatcher) run() {
	defer w.fsw.Close()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !isReportFile(filepath.Base(event.Name)) {
				continue
			}
			if w.consume(event.Name) {
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("report watcher error", zap.String("agent_id", w.agentID), zap.Error(err))
		}
	}
}

// consume reads, submits, and deletes a report file. Returns true when the
// watcher is done. A malformed file is logged and left in place so the write
// can complete and retrigger.
func (w *reportWatcher) consume(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("failed to read report file", zap.String("path", path), zap.Error(err))
		return false
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		w.log.Warn("malformed report file", zap.String("path", path), zap.Error(err))
		return false
	}

	w.log.Info("report file detected",
		zap.String("agent_id", w.agentID), zap.String("path", path))
	if err := w.submit(context.Background(), w.agentID, report); err != nil {
		w.log.Warn("failed to submit file report",
			zap.String("agent_id", w.agentID), zap.Error(err))
	}
	if err := os.Remove(path); err != nil {
		w.log.Warn("failed to remove report file", zap.String("path", path), zap.Error(err))
	}
	return true
}

func (w *reportWatcher) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func isReportFile(name string) bool {
	return strings.HasPrefix(name, reportFilePrefix) && strings.HasSuffix(name, reportFileSuffix)
}
