package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/fractal/internal/conv"
	"github.com/hupe1980/fractal/internal/hash"
)

// RecordType identifies the type of a log record.
type RecordType uint8

const (
	// RecordBeginCheckpoint opens a checkpoint.
	RecordBeginCheckpoint RecordType = 1
	// RecordEndCheckpoint completes the checkpoint begun at BeginLSN.
	RecordEndCheckpoint RecordType = 2
	// RecordOpenContainer binds a container name to its id.
	RecordOpenContainer RecordType = 3
	// RecordReserveTxns raises the bound below which transaction ids have
	// been handed out.
	RecordReserveTxns RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case RecordBeginCheckpoint:
		return "begin-checkpoint"
	case RecordEndCheckpoint:
		return "end-checkpoint"
	case RecordOpenContainer:
		return "open-container"
	case RecordReserveTxns:
		return "reserve-txns"
	}
	return fmt.Sprintf("record(%d)", uint8(t))
}

var (
	ErrInvalidCRC     = errors.New("wal: invalid record checksum")
	ErrInvalidType    = errors.New("wal: invalid record type")
	ErrShortRead      = errors.New("wal: short read in record")
	ErrRecordTooLarge = errors.New("wal: record too large")
)

// maxPayload bounds a record payload; anything larger is a torn or corrupt
// tail.
const maxPayload = 1 << 20

// recordHeaderSize covers type, LSN and payload length.
const recordHeaderSize = 1 + 8 + 4

// Record is one log entry.
type Record struct {
	LSN  uint64
	Type RecordType
	// BeginLSN is set on end-checkpoint records.
	BeginLSN uint64
	// ID and Name are set on open-container records.
	ID   uint64
	Name string
	// TxnLimit is set on reserve-txns records.
	TxnLimit uint64
}

func (r *Record) payload() []byte {
	switch r.Type {
	case RecordEndCheckpoint:
		return binary.LittleEndian.AppendUint64(nil, r.BeginLSN)
	case RecordOpenContainer:
		b := binary.LittleEndian.AppendUint64(nil, r.ID)
		b = binary.AppendUvarint(b, uint64(len(r.Name)))
		return append(b, r.Name...)
	case RecordReserveTxns:
		return binary.LittleEndian.AppendUint64(nil, r.TxnLimit)
	}
	return nil
}

// Size returns the encoded size of r.
func (r *Record) Size() int {
	return 4 + recordHeaderSize + len(r.payload())
}

// Encode writes the record to w.
// Format: [CRC32C: 4] [Type: 1] [LSN: 8] [Length: 4] [Payload: Length]
func (r *Record) Encode(w io.Writer) error {
	payload := r.payload()
	n, err := conv.IntToUint32(len(payload))
	if err != nil {
		return fmt.Errorf("wal: encode %s record: %w", r.Type, err)
	}
	b := make([]byte, 4, r.Size())
	b = append(b, byte(r.Type))
	b = binary.LittleEndian.AppendUint64(b, r.LSN)
	b = binary.LittleEndian.AppendUint32(b, n)
	b = append(b, payload...)
	binary.LittleEndian.PutUint32(b[:4], hash.CRC32C(b[4:]))
	_, err = w.Write(b)
	return err
}

// Decode reads a record from r. It returns the number of bytes consumed.
func Decode(r io.Reader) (*Record, int64, error) {
	head := make([]byte, 4+recordHeaderSize)
	if n, err := io.ReadFull(r, head); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = ErrShortRead
		}
		return nil, int64(n), err
	}
	checksum := binary.LittleEndian.Uint32(head[:4])
	length := binary.LittleEndian.Uint32(head[4+9:])
	if length > maxPayload {
		return nil, int64(len(head)), ErrRecordTooLarge
	}
	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		return nil, int64(len(head) + n), ErrShortRead
	}
	size := int64(len(head)) + int64(length)

	crc := hash.Extend(hash.CRC32C(head[4:]), payload)
	if crc != checksum {
		return nil, size, ErrInvalidCRC
	}

	rec := &Record{Type: RecordType(head[4]), LSN: binary.LittleEndian.Uint64(head[5:13])}
	switch rec.Type {
	case RecordBeginCheckpoint:
	case RecordEndCheckpoint:
		if len(payload) < 8 {
			return nil, size, ErrShortRead
		}
		rec.BeginLSN = binary.LittleEndian.Uint64(payload)
	case RecordOpenContainer:
		if len(payload) < 8 {
			return nil, size, ErrShortRead
		}
		rec.ID = binary.LittleEndian.Uint64(payload)
		n, k := binary.Uvarint(payload[8:])
		if k <= 0 || uint64(len(payload)-8-k) < n {
			return nil, size, ErrShortRead
		}
		rec.Name = string(payload[8+k : 8+k+int(n)])
	case RecordReserveTxns:
		if len(payload) < 8 {
			return nil, size, ErrShortRead
		}
		rec.TxnLimit = binary.LittleEndian.Uint64(payload)
	default:
		return nil, size, ErrInvalidType
	}
	return rec, size, nil
}
