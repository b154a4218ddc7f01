// Package journal — append-only файл JSON-строк (JSONL).
// Пачка пишется одним write(2) на дескрипторе с O_APPEND, поэтому несколько
// процессов могут дописывать в один файл, не перемешивая строки.
// Чтение хвоста идет с конца файла блоками, без загрузки всей истории.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const chunkSize = 64 * 1024

type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

func (j *File) Path() string { return j.path }

// Append сериализует значения построчно и дописывает их одной записью.
func (j *File) Append(values ...any) error {
	if len(values) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, v := range values {
		// Encoder сам добавляет '\n' после каждого значения
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("journal: encode: %w", err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	if _, err := j.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// ScanBackward отдает непустые строки от последней к первой, пока fn возвращает true.
// Срезы, переданные в fn, не переиспользуются.
func (j *File) ScanBackward(fn func(line []byte) bool) error {
	f, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var carry []byte
	for off := info.Size(); off > 0; {
		n := int64(chunkSize)
		if off < n {
			n = off
		}
		off -= n

		buf := make([]byte, n, n+int64(len(carry)))
		if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
			return fmt.Errorf("journal: read: %w", err)
		}
		buf = append(buf, carry...)

		for {
			i := bytes.LastIndexByte(buf, '\n')
			if i < 0 {
				break
			}
			line := buf[i+1:]
			buf = buf[:i]
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if !fn(line) {
				return nil
			}
		}
		carry = buf
	}
	if len(bytes.TrimSpace(carry)) > 0 {
		fn(carry)
	}
	return nil
}

// Tail возвращает последние n строк в порядке записи.
func (j *File) Tail(n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	lines := make([][]byte, 0, n)
	err := j.ScanBackward(func(line []byte) bool {
		lines = append(lines, line)
		return len(lines) < n
	})
	if err != nil {
		return nil, err
	}
	reverse(lines)
	return lines, nil
}

// Since возвращает строки с полем "timestamp" не раньше cutoff, в порядке записи.
// Чтение останавливается на первой более старой строке.
func (j *File) Since(cutoff time.Time) ([][]byte, error) {
	var lines [][]byte
	err := j.ScanBackward(func(line []byte) bool {
		var stamp struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(line, &stamp); err != nil {
			// Битую строку пропускаем
			return true
		}
		if stamp.Timestamp.Before(cutoff) {
			return false
		}
		lines = append(lines, line)
		return true
	})
	if err != nil {
		return nil, err
	}
	reverse(lines)
	return lines, nil
}

func reverse(lines [][]byte) {
	for i, k := 0, len(lines)-1; i < k; i, k = i+1, k-1 {
		lines[i], lines[k] = lines[k], lines[i]
	}
}
