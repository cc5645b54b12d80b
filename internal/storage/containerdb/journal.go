package containerdb

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"go.uber.org/zap"
)

const (
	kindRef    = "ref"
	kindRow    = "row"
	kindReport = "report"

	journalExt = ".journal"
)

// journalRecord is one line of a container journal.
type journalRecord struct {
	Kind   string                       `json:"kind"`
	Ref    *model.ContainerRef          `json:"ref,omitempty"`
	Row    *model.ContainerListingEntry `json:"row,omitempty"`
	Report *model.ReportState           `json:"report,omitempty"`
}

// journal is an append-only JSON-lines log of one container DB.
type journal struct {
	path   string
	file   *os.File
	sync   bool
	logger *zap.Logger
}

func openJournal(path string, sync bool, logger *zap.Logger) (*journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &journal{path: path, file: file, sync: sync, logger: logger}, nil
}

func (j *journal) append(rec journalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if j.sync {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	return nil
}

// rewrite atomically replaces the journal with records and reopens it for
// appending.
func (j *journal) rewrite(records []journalRecord) error {
	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".compact-")
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to encode journal record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	j.file.Close()
	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	return nil
}

func (j *journal) close() error {
	return j.file.Close()
}

// recoverJournal replays every complete record of a journal. Unreadable
// lines, such as a torn final line from an interrupted append, are logged and
// skipped; damaged reports whether any were found so the caller can rewrite
// the journal before appending to it again.
func recoverJournal(path string, logger *zap.Logger, apply func(journalRecord)) (count int, damaged bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			var rec journalRecord
			if jsonErr := json.Unmarshal(line, &rec); jsonErr != nil || line[len(line)-1] != '\n' {
				logger.Warn("Skipping unreadable journal record",
					zap.String("path", path),
					zap.Int("record", count),
					zap.Error(jsonErr))
				damaged = true
			} else {
				apply(rec)
				count++
			}
		}
		if readErr == io.EOF {
			return count, damaged, nil
		}
		if readErr != nil {
			return count, damaged, fmt.Errorf("failed to read journal: %w", readErr)
		}
	}
}
