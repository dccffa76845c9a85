package frames

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Progress is the call log of one request. Lines end up in TimeoutError and
// are mirrored to the debug log as they happen.
type Progress struct {
	id     string
	logger *zap.Logger

	mu    sync.Mutex
	lines []string
}

// NewProgress starts the call log for method.
func NewProgress(logger *zap.Logger, method string) *Progress {
	id := uuid.NewString()
	return &Progress{
		id:     id,
		logger: logger.With(zap.String("call_id", id), zap.String("method", method)),
	}
}

func (p *Progress) ID() string { return p.id }

// Log appends a line to the call log.
func (p *Progress) Log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	p.mu.Lock()
	p.lines = append(p.lines, line)
	p.mu.Unlock()
	p.logger.Debug(line)
}

// Lines returns a copy of the call log.
func (p *Progress) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}
