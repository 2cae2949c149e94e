// aof.go wraps the journal file handle. Writes land in a buffer that the
// maintenance loop in main.go flushes and fsyncs once per second; the mutex
// lets every connection goroutine append concurrently.

package main

import (
	"bufio"
	"bytes"
	"os"
	"sync"
)

type AOF struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer

	// rewriteBuf collects commands written while a compaction is running.
	// They are appended to the new journal before it replaces the old one.
	rewriteBuf *bytes.Buffer
}

func NewAOF(path string) (*AOF, error) {
	f, err := openJournal(path)
	if err != nil {
		return nil, err
	}
	return &AOF{file: f, writer: bufio.NewWriter(f)}, nil
}

func openJournal(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o666)
}

func (aof *AOF) Write(data []byte) error {
	aof.mu.Lock()
	defer aof.mu.Unlock()
	if aof.rewriteBuf != nil {
		aof.rewriteBuf.Write(data)
	}
	_, err := aof.writer.Write(data)
	return err
}

// Size returns the size of the journal on disk, buffered bytes excluded.
func (aof *AOF) Size() (int64, error) {
	aof.mu.Lock()
	defer aof.mu.Unlock()
	st, err := aof.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (aof *AOF) Close() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()
	if err := aof.writer.Flush(); err != nil {
		return err
	}
	return aof.file.Close()
}

// Fsync pushes buffered writes to the kernel and then to the disk.
func (aof *AOF) Fsync() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()
	if err := aof.writer.Flush(); err != nil {
		return err
	}
	return aof.file.Sync()
}

func (aof *AOF) stopRewrite() {
	aof.mu.Lock()
	aof.rewriteBuf = nil
	aof.mu.Unlock()
}

// reopen points the AOF at path again after its file was closed. The caller
// holds mu. cause, if not nil, is returned after reopening so that a failed
// swap still leaves a working journal.
func (aof *AOF) reopen(path string, cause error) error {
	f, err := openJournal(path)
	if err != nil {
		if cause != nil {
			return cause
		}
		return err
	}
	aof.file = f
	aof.writer.Reset(f)
	return cause
}
