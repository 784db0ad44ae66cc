// Package exportfmt reads and writes the store export stream: a gzip
// stream of partition records, each followed by its length-prefixed
// entries, shared by every backend.
package exportfmt

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/arbordb/arbor/pkg/db"
)

var magic = []byte("arbordb1")

// ErrMalformed is returned when the stream is not a store export.
var ErrMalformed = errors.New("malformed export stream")

const (
	tagEnd       = 0x00
	tagPartition = 0x01
	tagEntry     = 0x02
)

type RecordKind uint8

const (
	KindPartition RecordKind = iota + 1
	KindEntry
)

// Record is one stream element: a partition header carrying Name, or an
// entry carrying Key and Value.
type Record struct {
	Kind  RecordKind
	Name  string
	Key   []byte
	Value []byte
}

type Writer struct {
	gz      *gzip.Writer
	bw      *bufio.Writer
	scratch [binary.MaxVarintLen64]byte
}

func NewWriter(w io.Writer) (*Writer, error) {
	gz := gzip.NewWriter(w)
	bw := bufio.NewWriter(gz)
	if _, err := bw.Write(magic); err != nil {
		return nil, err
	}
	return &Writer{gz: gz, bw: bw}, nil
}

func (w *Writer) blob(b []byte) error {
	n := binary.PutUvarint(w.scratch[:], uint64(len(b)))
	if _, err := w.bw.Write(w.scratch[:n]); err != nil {
		return err
	}
	_, err := w.bw.Write(b)
	return err
}

// StartPartition opens a partition section; Entry calls that follow belong
// to it.
func (w *Writer) StartPartition(name string) error {
	if err := w.bw.WriteByte(tagPartition); err != nil {
		return err
	}
	return w.blob([]byte(name))
}

func (w *Writer) Entry(key, value []byte) error {
	if err := w.bw.WriteByte(tagEntry); err != nil {
		return err
	}
	if err := w.blob(key); err != nil {
		return err
	}
	return w.blob(value)
}

// Close terminates and flushes the stream. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if err := w.bw.WriteByte(tagEnd); err != nil {
		return err
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.gz.Close()
}

type Reader struct {
	gz *gzip.Reader
	br *bufio.Reader
}

func NewReader(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	br := bufio.NewReader(gz)

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(br, head); err != nil || string(head) != string(magic) {
		return nil, ErrMalformed
	}
	return &Reader{gz: gz, br: br}, nil
}

func (r *Reader) blob() ([]byte, error) {
	n, err := binary.ReadUvarint(r.br)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.br, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Next returns the next record, or io.EOF after the stream terminator.
func (r *Reader) Next() (Record, error) {
	tag, err := r.br.ReadByte()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	switch tag {
	case tagEnd:
		return Record{}, io.EOF
	case tagPartition:
		name, err := r.blob()
		if err != nil {
			return Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return Record{Kind: KindPartition, Name: string(name)}, nil
	case tagEntry:
		key, err := r.blob()
		if err != nil {
			return Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		value, err := r.blob()
		if err != nil {
			return Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return Record{Kind: KindEntry, Key: key, Value: value}, nil
	default:
		return Record{}, ErrMalformed
	}
}

// Close releases the decompressor. It does not close the underlying reader.
func (r *Reader) Close() error {
	return r.gz.Close()
}

// PartitionOpener is the slice of the store contract Restore needs.
type PartitionOpener interface {
	OpenPartition(name string) (db.Partition, error)
}

const restoreChunk = 1024

// Restore replays an export stream into s, creating partitions as needed.
// Entries are applied in batches; imported keys overwrite existing ones.
func Restore(s PartitionOpener, r io.Reader) error {
	er, err := NewReader(r)
	if err != nil {
		return err
	}
	defer er.Close()

	var (
		cur db.Partition
		ops []db.Op
	)
	flush := func() error {
		if len(ops) == 0 {
			return nil
		}
		if err := cur.ApplyBatch(ops); err != nil {
			return err
		}
		ops = ops[:0]
		return nil
	}

	for {
		rec, err := er.Next()
		if err == io.EOF {
			return flush()
		}
		if err != nil {
			return err
		}
		switch rec.Kind {
		case KindPartition:
			if err := flush(); err != nil {
				return err
			}
			if cur, err = s.OpenPartition(rec.Name); err != nil {
				return err
			}
		case KindEntry:
			if cur == nil {
				return ErrMalformed
			}
			ops = append(ops, db.Op{Kind: db.OpPut, Key: rec.Key, Value: rec.Value})
			if len(ops) >= restoreChunk {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
