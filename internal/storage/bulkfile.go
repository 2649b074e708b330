package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Bulk files are this engine's stand-in for RocksDB SST ingest files: a
// flat sequence of length-prefixed key/value records, written by the
// Migrator while dumping a shard and consumed by the Importer on the
// receiving node. The format is deliberately simple since pebble has no
// native bulk-ingest-from-SST-with-ingest-behind primitive to lean on.

func writeRecord(w *bufio.Writer, key, value []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	return nil
}

func readRecord(r *bufio.Reader) (key, value []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	// Past the first length header, running out of bytes means the file
	// was cut off mid-record, not that it ended cleanly.
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	key = make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, err
	}
	value = make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

// WriteBulkFile writes consecutive records from it (already positioned,
// e.g. via SeekToFirst) into a new file at path until either it is
// exhausted or the file reaches targetBytes. Returns the number of
// records written, the largest key seen, and whether the iterator was
// exhausted (the caller should treat that as the final file).
func WriteBulkFile(path string, it *Iterator, targetBytes int) (count int, largestKey []byte, exhausted bool, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, nil, false, fmt.Errorf("storage: create bulk file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	written := 0
	for it.Valid() {
		key := it.Key()
		value := it.Value()
		if err := writeRecord(w, key, value); err != nil {
			return count, largestKey, false, err
		}
		count++
		written += 8 + len(key) + len(value)
		if largestKey == nil || string(key) > string(largestKey) {
			largestKey = append([]byte(nil), key...)
		}
		it.Next()
		if written >= targetBytes {
			break
		}
	}
	if err := it.Error(); err != nil {
		return count, largestKey, false, err
	}
	if err := w.Flush(); err != nil {
		return count, largestKey, false, err
	}
	return count, largestKey, !it.Valid(), nil
}

// IngestFile applies every record in the bulk file at path to shard's
// keyspace. When behind is true, records are applied put-if-absent,
// implementing ingest-behind: a write that landed through the normal
// path during import always wins over a record ingested from a stale
// snapshot. IngestFile is idempotent either way, since put-if-absent
// is idempotent and plain Put of the same key/value repeated is a
// no-op in effect.
func (e *Engine) IngestFile(shard uint32, path string, behind bool) (largestKey []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open bulk file %s: %w", path, err)
	}
	defer f.Close()

	ks := e.Keyspace(shard)
	r := bufio.NewReader(f)
	for {
		key, value, err := readRecord(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return largestKey, fmt.Errorf("storage: read bulk file %s: %w", path, err)
		}
		if behind {
			if err := ks.putIfAbsent(key, value); err != nil {
				return largestKey, err
			}
		} else {
			if err := ks.Put(key, value); err != nil {
				return largestKey, err
			}
		}
		if largestKey == nil || string(key) > string(largestKey) {
			largestKey = append([]byte(nil), key...)
		}
	}
	return largestKey, nil
}
