package vectorstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// Binary layout of a partition's record log, little endian:
//
//	magic   [4]byte  "DCIX"
//	version uint16
//	dim     uint32
//	count   uint32
//	records count times:
//	    id      [16]byte uuid
//	    doc     uint64
//	    ordinal uint32
//	    vector  dim * float32
const (
	indexVersion = 1
)

var indexMagic = [4]byte{'D', 'C', 'I', 'X'}

func encodeRecords(dim int, records []Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(indexMagic[:])
	if err := binary.Write(&buf, binary.LittleEndian, uint16(indexVersion)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(dim)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(records))); err != nil {
		return nil, err
	}
	for _, rec := range records {
		id, err := uuid.Parse(rec.ID)
		if err != nil {
			return nil, fmt.Errorf("encode record id %q: %w", rec.ID, err)
		}
		buf.Write(id[:])
		if err := binary.Write(&buf, binary.LittleEndian, uint64(rec.Ref.DocumentID)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(rec.Ref.Ordinal)); err != nil {
			return nil, err
		}
		for _, f := range rec.Vector {
			if err := binary.Write(&buf, binary.LittleEndian, math.Float32bits(f)); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func decodeRecords(data []byte) (dim int, records []Record, err error) {
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != indexMagic {
		return 0, nil, fmt.Errorf("%w: bad magic", errCorrupt)
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated header", errCorrupt)
	}
	if version != indexVersion {
		return 0, nil, fmt.Errorf("%w: unsupported version %d", errCorrupt, version)
	}
	var dim32, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim32); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated header", errCorrupt)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated header", errCorrupt)
	}

	records = make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var id uuid.UUID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return 0, nil, fmt.Errorf("%w: truncated record %d", errCorrupt, i)
		}
		var doc uint64
		var ordinal uint32
		if err := binary.Read(r, binary.LittleEndian, &doc); err != nil {
			return 0, nil, fmt.Errorf("%w: truncated record %d", errCorrupt, i)
		}
		if err := binary.Read(r, binary.LittleEndian, &ordinal); err != nil {
			return 0, nil, fmt.Errorf("%w: truncated record %d", errCorrupt, i)
		}
		vec := make([]float32, dim32)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return 0, nil, fmt.Errorf("%w: truncated vector in record %d", errCorrupt, i)
			}
			vec[j] = math.Float32frombits(bits)
		}
		records = append(records, Record{
			ID:     id.String(),
			Ref:    ChunkRef{DocumentID: uint(doc), Ordinal: int(ordinal)},
			Vector: vec,
		})
	}
	if r.Len() != 0 {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes", errCorrupt, r.Len())
	}
	return int(dim32), records, nil
}
