package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"linkmonitor/internal/events"
	"linkmonitor/internal/models"
)

const defaultReportCap = 500

// ReportLog persists finished cycle reports, keeping the newest entries.
type ReportLog struct {
	mu      sync.RWMutex
	path    string
	max     int
	reports []models.CycleReport
	log     *logrus.Entry
}

// NewReportLog loads existing reports from path.
func NewReportLog(path string, max int, log *logrus.Entry) (*ReportLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}
	if max <= 0 {
		max = defaultReportCap
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &ReportLog{path: path, max: max, log: log.WithField("component", "reports")}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append stores a report and persists the log.
func (l *ReportLog) Append(report models.CycleReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reports = append(l.reports, report)
	if over := len(l.reports) - l.max; over > 0 {
		l.reports = append([]models.CycleReport(nil), l.reports[over:]...)
	}
	return l.persistLocked()
}

// Publish implements events.Sink by recording finished cycles.
func (l *ReportLog) Publish(_ context.Context, ev events.Event) {
	if ev.Type != events.TypeCycleFinished || ev.Report == nil {
		return
	}
	if err := l.Append(*ev.Report); err != nil {
		l.log.WithError(err).Warn("persist cycle report")
	}
}

// Latest returns the newest report.
func (l *ReportLog) Latest() (models.CycleReport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.reports) == 0 {
		return models.CycleReport{}, false
	}
	return l.reports[len(l.reports)-1], true
}

// Recent returns up to n reports, newest first.
func (l *ReportLog) Recent(n int) []models.CycleReport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.reports) {
		n = len(l.reports)
	}
	out := make([]models.CycleReport, 0, n)
	for i := len(l.reports) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.reports[i])
	}
	return out
}

func (l *ReportLog) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.reports = nil
			return nil
		}
		return fmt.Errorf("read cycle reports: %w", err)
	}
	if len(data) == 0 {
		l.reports = nil
		return nil
	}

	var reports []models.CycleReport
	if err := json.Unmarshal(data, &reports); err != nil {
		return fmt.Errorf("parse cycle reports: %w", err)
	}
	l.reports = reports
	return nil
}

func (l *ReportLog) persistLocked() error {
	bytes, err := json.MarshalIndent(l.reports, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cycle reports: %w", err)
	}
	return writeFileAtomic(l.path, bytes)
}
