// Package store provides the durable, crash-safe, append-only record store
// shared by the capture loops. Records are framed into per-partition
// write-ahead logs; raw image and audio blobs live beside them.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/rs/zerolog/log"
)

// WAL file layout:
//
//	header:  magic "RTWL" (4 bytes) + version (uint32 LE)
//	frame:   payload length (uint32 LE) + CRC32-C of payload (uint32 LE) + payload
//
// A torn trailing frame (short write on crash) fails the length or checksum
// check and is truncated away on reopen. Prior frames are never touched.
const (
	walMagic      = "RTWL"
	walVersion    = 1
	walHeaderSize = 8
	frameOverhead = 8

	// maxFramePayload guards against reading a garbage length and
	// allocating unbounded memory during recovery.
	maxFramePayload = 64 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrBadHeader indicates the file exists but is not a retrace WAL.
var ErrBadHeader = errors.New("not a retrace WAL file")

// WAL is a single append-only log file. Not safe for concurrent use; the
// Store serializes access.
type WAL struct {
	path string
	file *os.File
	size int64
}

// OpenWAL opens or creates the log at path, recovering from a torn trailing
// frame by truncating it. Returns the WAL positioned for appending.
func OpenWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat wal: %w", err)
	}

	w := &WAL{path: path, file: file}

	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		return w, nil
	}

	if err := w.checkHeader(); err != nil {
		file.Close()
		return nil, err
	}

	valid, torn, err := scanFrames(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("scan wal: %w", err)
	}
	if torn {
		log.Warn().
			Str("path", path).
			Int64("truncateAt", valid).
			Int64("fileSize", info.Size()).
			Msg("Torn trailing record detected, truncating")
		if err := file.Truncate(valid); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn frame: %w", err)
		}
	}
	w.size = valid

	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek wal end: %w", err)
	}
	return w, nil
}

// writeHeader writes and syncs the file header.
func (w *WAL) writeHeader() error {
	header := make([]byte, walHeaderSize)
	copy(header, walMagic)
	binary.LittleEndian.PutUint32(header[4:], walVersion)
	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("write wal header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal header: %w", err)
	}
	w.size = walHeaderSize
	return nil
}

// checkHeader validates magic and version at the start of the file.
func (w *WAL) checkHeader() error {
	header := make([]byte, walHeaderSize)
	if _, err := w.file.ReadAt(header, 0); err != nil {
		return ErrBadHeader
	}
	if string(header[:4]) != walMagic {
		return ErrBadHeader
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != walVersion {
		return fmt.Errorf("unsupported wal version %d", v)
	}
	return nil
}

// Append writes one framed payload and syncs. The record is durable when
// Append returns nil.
func (w *WAL) Append(payload []byte) error {
	frame := make([]byte, frameOverhead+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:], crc32.Checksum(payload, crcTable))
	copy(frame[frameOverhead:], payload)

	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("append wal frame: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	w.size += int64(len(frame))
	return nil
}

// Sync forces file contents to stable storage.
func (w *WAL) Sync() error {
	return w.file.Sync()
}

// Close syncs and closes the log.
func (w *WAL) Close() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// Size returns the current valid byte length of the log.
func (w *WAL) Size() int64 {
	return w.size
}

// scanFrames walks the frames after the header and returns the offset of the
// end of the last valid frame, and whether a torn/corrupt trailing frame was
// found after it.
func scanFrames(r io.ReaderAt) (validEnd int64, torn bool, err error) {
	offset := int64(walHeaderSize)
	head := make([]byte, frameOverhead)

	for {
		n, err := r.ReadAt(head, offset)
		if err == io.EOF && n == 0 {
			return offset, false, nil
		}
		if err != nil && err != io.EOF {
			return offset, false, err
		}
		if n < frameOverhead {
			return offset, true, nil
		}

		length := binary.LittleEndian.Uint32(head[0:])
		sum := binary.LittleEndian.Uint32(head[4:])
		if length > maxFramePayload {
			return offset, true, nil
		}

		payload := make([]byte, length)
		n, err = r.ReadAt(payload, offset+frameOverhead)
		if (err != nil && err != io.EOF) || n < int(length) {
			return offset, true, nil
		}
		if crc32.Checksum(payload, crcTable) != sum {
			return offset, true, nil
		}
		offset += frameOverhead + int64(length)
	}
}

// ReadAll returns every valid payload in the log at path, in append order.
// Used on reopen to recover the sequence counter, and by replay tooling.
func ReadAll(path string) ([][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal for read: %w", err)
	}
	defer file.Close()

	header := make([]byte, walHeaderSize)
	if _, err := file.ReadAt(header, 0); err != nil || string(header[:4]) != walMagic {
		return nil, ErrBadHeader
	}

	var payloads [][]byte
	offset := int64(walHeaderSize)
	head := make([]byte, frameOverhead)
	for {
		n, err := file.ReadAt(head, offset)
		if n < frameOverhead {
			if err != nil && err != io.EOF {
				return nil, err
			}
			return payloads, nil
		}
		length := binary.LittleEndian.Uint32(head[0:])
		sum := binary.LittleEndian.Uint32(head[4:])
		if length > maxFramePayload {
			return payloads, nil
		}
		payload := make([]byte, length)
		n, err = file.ReadAt(payload, offset+frameOverhead)
		if n < int(length) {
			if err != nil && err != io.EOF {
				return nil, err
			}
			return payloads, nil
		}
		if crc32.Checksum(payload, crcTable) != sum {
			return payloads, nil
		}
		payloads = append(payloads, payload)
		offset += frameOverhead + int64(length)
	}
}
