package source

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/nodepulse/nodepulse/pkg/log"
)

const fileWakeInterval = 5 * time.Second

// FileSource tails a log file. Rotation is detected by inode change,
// truncation by the read offset exceeding the file size; a missing file is
// reopened on a later wake. The first open seeks to the end of the file so
// tailing starts from "now".
type FileSource struct {
	node      string
	path      string
	logger    zerolog.Logger
	connected atomic.Bool

	file    *os.File
	reader  *bufio.Reader
	inode   uint64
	offset  int64
	partial strings.Builder
	opened  bool // a first open has happened; later opens start at byte 0
}

// NewFileSource creates a tailer for the given node's log file.
func NewFileSource(node, path string) *FileSource {
	return &FileSource{
		node:   node,
		path:   path,
		logger: log.WithSource("source", node),
	}
}

// Connected reports whether the file is currently open.
func (s *FileSource) Connected() bool {
	return s.connected.Load()
}

// Run tails the file until ctx is cancelled.
func (s *FileSource) Run(ctx context.Context, out chan<- Line) {
	defer s.closeFile()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("directory watch unavailable, falling back to polling")
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			s.logger.Warn().Err(err).Str("dir", filepath.Dir(s.path)).Msg("watch failed, falling back to polling")
			watcher.Close()
			watcher = nil
		}
	}

	ticker := time.NewTicker(fileWakeInterval)
	defer ticker.Stop()

	for {
		if !s.checkFile(ctx, out) {
			return
		}
		if s.file != nil {
			if !s.drainLines(ctx, out) {
				return
			}
		}

		if watcher != nil {
			select {
			case <-watcher.Events:
			case err := <-watcher.Errors:
				s.logger.Warn().Err(err).Msg("watch error")
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		} else {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}
}

// checkFile opens the file if needed and recovers from rotation,
// truncation, and deletion. When the current handle is about to be
// abandoned its remaining content is drained first, so lines flushed
// before the switch are still delivered. Returns false when ctx was
// cancelled mid-drain.
func (s *FileSource) checkFile(ctx context.Context, out chan<- Line) bool {
	info, err := os.Stat(s.path)
	if err != nil {
		if s.file != nil {
			s.logger.Warn().Str("path", s.path).Msg("log file missing, waiting for it to reappear")
			if !s.drainLines(ctx, out) {
				return false
			}
			s.closeFile()
		}
		return true
	}

	inode := fileInode(info)

	if s.file != nil {
		if inode != 0 && inode != s.inode {
			s.logger.Info().Str("path", s.path).Msg("log rotation detected, reopening")
			if !s.drainLines(ctx, out) {
				return false
			}
			s.closeFile()
		} else if info.Size() < s.offset {
			s.logger.Info().Str("path", s.path).Msg("log truncation detected, seeking to start")
			if _, err := s.file.Seek(0, io.SeekStart); err != nil {
				s.closeFile()
				return true
			}
			s.offset = 0
			s.reader.Reset(s.file)
			s.partial.Reset()
		}
	}

	if s.file == nil {
		s.open(inode)
	}
	return true
}

func (s *FileSource) open(inode uint64) {
	file, err := os.Open(s.path)
	if err != nil {
		s.logger.Debug().Err(err).Msg("open failed, retrying on next wake")
		return
	}

	offset := int64(0)
	if !s.opened {
		// Tail from now on the very first open only.
		if offset, err = file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return
		}
	}

	s.file = file
	s.reader = bufio.NewReader(file)
	s.inode = inode
	s.offset = offset
	s.opened = true
	s.partial.Reset()
	s.connected.Store(true)
}

func (s *FileSource) closeFile() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
		s.reader = nil
	}
	s.connected.Store(false)
}

// drainLines reads everything currently available. A trailing chunk with no
// newline is held back until the writer finishes the line. Returns false
// when ctx was cancelled mid-send.
func (s *FileSource) drainLines(ctx context.Context, out chan<- Line) bool {
	for {
		chunk, err := s.reader.ReadString('\n')
		s.offset += int64(len(chunk))

		if err == nil {
			s.partial.WriteString(chunk)
			text := strings.TrimRight(s.partial.String(), "\r\n")
			s.partial.Reset()
			if text != "" {
				if !send(ctx, out, Line{Text: text, Arrival: Now()}) {
					return false
				}
			}
			continue
		}

		if chunk != "" {
			s.partial.WriteString(chunk)
		}
		if err != io.EOF {
			s.logger.Warn().Err(err).Msg("read error, reopening file")
			s.closeFile()
		}
		return true
	}
}
