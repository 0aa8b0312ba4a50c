package report

import (
	"os"
	"sync"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// LogNotifier renders notifications through the process logger. It's the
// default sink when no richer presentation is attached.
type LogNotifier struct{}

func (LogNotifier) Success(title, body string) {
	log.WithField("detail", body).Info(title)
}

func (LogNotifier) Info(title, body string) {
	log.WithField("detail", body).Info(title)
}

func (LogNotifier) Warn(title, body string) {
	log.WithField("detail", body).Warn(title)
}

func (LogNotifier) Error(title, body string) {
	log.WithField("detail", body).Error(title)
}

// LogProgress reports transfer progress as debug chatter, at quarter
// granularity so large transfers don't flood the log.
type LogProgress struct {
	mu          sync.Mutex
	title       string
	lastQuarter int
}

func (p *LogProgress) Start(title, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	p.lastQuarter = -1
	log.WithField("file", description).Debug(title)
}

func (p *LogProgress) Percent(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if quarter := percent / 25; quarter > p.lastQuarter {
		p.lastQuarter = quarter
		log.WithField("percent", percent).Debug(p.title)
	}
}

func (p *LogProgress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	log.Debug(p.title + " done")
}

// NopProgress discards progress updates.
type NopProgress struct{}

func (NopProgress) Start(title, description string) {}
func (NopProgress) Percent(percent int)             {}
func (NopProgress) Done()                           {}

// A FileEventLog appends operation entries to a file as a stream of yaml
// documents, one per entry. Append failures are logged, never fatal: the
// log is an observer of the sync, not a participant.
type FileEventLog struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
}

// NewFileEventLog returns an event log backed by the file at `path`.
func NewFileEventLog(fs afero.Fs, path string) *FileEventLog {
	return &FileEventLog{fs: fs, path: path}
}

func (l *FileEventLog) Append(entry Entry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	contents, err := yaml.Marshal(entry)
	if err != nil {
		log.WithError(err).Warn("Failed to marshal event log entry")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fs.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.WithError(err).WithField("path", l.path).Warn("Failed to open event log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append([]byte("---\n"), contents...)); err != nil {
		log.WithError(err).WithField("path", l.path).Warn("Failed to append to event log")
	}
}

// NopEventLog discards entries.
type NopEventLog struct{}

func (NopEventLog) Append(entry Entry) {}
