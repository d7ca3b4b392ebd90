package web

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rkjdid/util"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/privileged"
	"github.com/solar3s/chargelimit/reconcile"
)

const sessionLogExt = ".log"

// SessionLog is one resolved write session, stored as TOML.
type SessionLog struct {
	Family  chargelimit.Family
	Session reconcile.Session
}

func (sl SessionLog) Info() SessionLogInfo {
	info := SessionLogInfo{
		ID:          sl.Session.ID,
		Key:         sl.Session.Key,
		Value:       sl.Session.Value,
		Started:     sl.Session.Started,
		Ended:       sl.Session.Ended,
		Observation: sl.Session.Observation,
	}
	if sl.Session.Result != nil {
		info.Outcome = sl.Session.Result.Outcome
		info.Message = sl.Session.Result.Message
	}
	return info
}

func (sl SessionLog) FileName() string {
	return sl.Info().FileName()
}

func (sl SessionLog) String() string {
	return sl.Info().String()
}

type SessionLogInfo struct {
	ID          uuid.UUID          `json:"id"`
	Key         string             `json:"key"`
	Value       int                `json:"value"`
	Outcome     privileged.Outcome `json:"outcome"`
	Message     string             `json:"message,omitempty"`
	Observation int                `json:"observation"`
	Started     time.Time          `json:"started"`
	Ended       time.Time          `json:"ended"`
	relPath     string
}

func (info SessionLogInfo) String() string {
	return fmt.Sprintf("%s %s=%d %s", info.Started.Format(time.RFC3339), info.Key, info.Value, info.Outcome)
}

func (info SessionLogInfo) Path() string {
	if len(info.relPath) > 0 {
		return info.relPath
	}
	return info.FileName()
}

func (info SessionLogInfo) FileName() string {
	return fmt.Sprintf("%s_%s_%d_%s%s",
		info.Started.Format("2006-01-02_15h04m05"),
		info.Key,
		info.Value,
		strings.SplitN(info.ID.String(), "-", 2)[0],
		sessionLogExt)
}

// ListSessionLogs parses every session log in dir, oldest first.
// Unreadable files are skipped.
func ListSessionLogs(dir string) ([]SessionLogInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var infos []SessionLogInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != sessionLogExt {
			continue
		}
		var sl SessionLog
		if err := util.ReadTomlFile(&sl, filepath.Join(dir, e.Name())); err != nil {
			slog.Debug("skipping session log", "file", e.Name(), "err", err)
			continue
		}
		info := sl.Info()
		info.relPath = e.Name()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Started.Before(infos[j].Started)
	})
	return infos, nil
}

// Recorder writes a SessionLog for every session resolved by a Controller.
type Recorder struct {
	Dir     string
	Control Controller
	logger  *slog.Logger
	seen    map[uuid.UUID]struct{}
}

func NewRecorder(dir string, c Controller, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		Dir:     dir,
		Control: c,
		logger:  logger.With("component", "recorder"),
		seen:    make(map[uuid.UUID]struct{}),
	}
}

// Run records sessions until ctx is done or the controller stops.
func (rec *Recorder) Run(ctx context.Context) error {
	if err := os.MkdirAll(rec.Dir, 0755); err != nil {
		return err
	}
	// sessions resolved before we started are not ours to log
	for _, s := range rec.Control.Snapshot().History {
		rec.seen[s.ID] = struct{}{}
	}
	snaps, cancel := rec.Control.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			rec.record(snap)
		}
	}
}

func (rec *Recorder) record(snap reconcile.Snapshot) {
	// sessions that left the history never come back, so only its ids are kept
	seen := make(map[uuid.UUID]struct{}, len(snap.History))
	defer func() { rec.seen = seen }()

	for _, s := range snap.History {
		seen[s.ID] = struct{}{}
		if _, ok := rec.seen[s.ID]; ok {
			continue
		}

		sl := SessionLog{Family: snap.Family, Session: s}
		path := filepath.Join(rec.Dir, sl.FileName())
		if err := util.WriteTomlFile(sl, path); err != nil {
			rec.logger.Warn("writing session log", "path", path, "err", err)
			continue
		}
		rec.logger.Debug("session logged", "path", path)
	}
}
