package pathwatch

import "go.uber.org/zap"

// Handler receives the changes observed by a Manager. The OnAdd and
// OnRemove callbacks fire both during explicit Add/Remove walks and
// when changes arrive from the filesystem; OnChange callbacks fire only
// for watched paths.
//
// Callbacks for overlapping subtrees are never invoked concurrently;
// callbacks for unrelated paths may be. An error returned from a
// callback during Add or Remove aborts and rolls back the walk; during
// event dispatch it is routed to HandleError instead.
type Handler interface {
	OnAddFile(path string) error
	OnAddDirectory(path string) error
	OnChangeFile(path string) error
	OnChangeDirectory(path string) error
	OnRemoveFile(path string) error
	OnRemoveDirectory(path string) error

	// HandleError is invoked on a dedicated goroutine for every error
	// raised while dispatching an event. path is empty when the
	// failure is not attributable to a single path.
	HandleError(path string, err error)
}

// NopHandler implements Handler with no-ops. Embed it to implement only
// a subset of the callbacks.
type NopHandler struct{}

func (NopHandler) OnAddFile(string) error         { return nil }
func (NopHandler) OnAddDirectory(string) error    { return nil }
func (NopHandler) OnChangeFile(string) error      { return nil }
func (NopHandler) OnChangeDirectory(string) error { return nil }
func (NopHandler) OnRemoveFile(string) error      { return nil }
func (NopHandler) OnRemoveDirectory(string) error { return nil }
func (NopHandler) HandleError(string, error)      {}

// FuncHandler implements Handler by forwarding each callback to the
// corresponding field. Nil fields are no-ops.
type FuncHandler struct {
	AddFile         func(path string) error
	AddDirectory    func(path string) error
	ChangeFile      func(path string) error
	ChangeDirectory func(path string) error
	RemoveFile      func(path string) error
	RemoveDirectory func(path string) error
	Error           func(path string, err error)
}

func (h *FuncHandler) OnAddFile(path string) error         { return call(h.AddFile, path) }
func (h *FuncHandler) OnAddDirectory(path string) error    { return call(h.AddDirectory, path) }
func (h *FuncHandler) OnChangeFile(path string) error      { return call(h.ChangeFile, path) }
func (h *FuncHandler) OnChangeDirectory(path string) error { return call(h.ChangeDirectory, path) }
func (h *FuncHandler) OnRemoveFile(path string) error      { return call(h.RemoveFile, path) }
func (h *FuncHandler) OnRemoveDirectory(path string) error { return call(h.RemoveDirectory, path) }

func (h *FuncHandler) HandleError(path string, err error) {
	if h.Error != nil {
		h.Error(path, err)
	}
}

func call(fn func(string) error, path string) error {
	if fn == nil {
		return nil
	}
	return fn(path)
}

// LogHandler is a Handler that logs every callback. It is useful on its
// own for diagnostics and as an embedded base for handlers that want
// logging alongside their own behavior.
type LogHandler struct {
	log *zap.Logger
}

// NewLogHandler returns a LogHandler writing to log.
func NewLogHandler(log *zap.Logger) *LogHandler {
	return &LogHandler{log: log.Named("pathwatch")}
}

func (h *LogHandler) OnAddFile(path string) error {
	h.log.Info("add file", zap.String("path", path))
	return nil
}

func (h *LogHandler) OnAddDirectory(path string) error {
	h.log.Info("add directory", zap.String("path", path))
	return nil
}

func (h *LogHandler) OnChangeFile(path string) error {
	h.log.Info("change file", zap.String("path", path))
	return nil
}

func (h *LogHandler) OnChangeDirectory(path string) error {
	h.log.Info("change directory", zap.String("path", path))
	return nil
}

func (h *LogHandler) OnRemoveFile(path string) error {
	h.log.Info("remove file", zap.String("path", path))
	return nil
}

func (h *LogHandler) OnRemoveDirectory(path string) error {
	h.log.Info("remove directory", zap.String("path", path))
	return nil
}

func (h *LogHandler) HandleError(path string, err error) {
	h.log.Warn("dispatch failed", zap.String("path", path), zap.Error(err))
}
