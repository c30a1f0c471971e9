// ABOUTME: Document data model — ordered field map with stable identity
// ABOUTME: Binary wire encode/decode with optional per-document LZ4 compression

package document

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/pierrec/lz4/v4"

	"github.com/crushdb/crushdb-core/pkg/value"
)

// Unset is the sentinel PageID for a Document that has not yet been
// inserted into a page.
const Unset uint64 = ^uint64(0)

// recordHeaderSize is the fixed 25-byte per-record header described by
// spec.md §3/§4.1: docId(8) + pageId(8) + dcs(4) + cs(4) + flag(1).
const recordHeaderSize = 25

// field is a single name/value pair, kept in insertion order.
type field struct {
	Name  string
	Value value.Value
}

// Document is an ordered key→value map with stable identity. The field
// "_id" is always implicitly present and equal to DocumentID; it is not
// stored in the user field list to avoid a second source of truth.
type Document struct {
	DocumentID       uint64
	PageID           uint64 // Unset until inserted
	Offset           uint32
	DecompressedSize uint32
	CompressedSize   uint32 // 0 if stored uncompressed

	fields []field
	index  map[string]int // field name -> position in fields
}

// New creates a Document with the given immutable id and no fields.
func New(documentID uint64) *Document {
	return &Document{
		DocumentID: documentID,
		PageID:     Unset,
		index:      make(map[string]int),
	}
}

// Put sets a field, preserving insertion order on first write and
// updating in place on overwrite. Reserved name "_id" cannot be set
// directly — it is always derived from DocumentID.
func (d *Document) Put(name string, v value.Value) error {
	if name == "_id" {
		return fmt.Errorf("document: field name %q is reserved", name)
	}
	if pos, ok := d.index[name]; ok {
		d.fields[pos].Value = v
		return nil
	}
	d.index[name] = len(d.fields)
	d.fields = append(d.fields, field{Name: name, Value: v})
	return nil
}

// Get returns the value for name (including the synthetic "_id" field)
// and whether it was present.
func (d *Document) Get(name string) (value.Value, bool) {
	if name == "_id" {
		return value.I64(int64(d.DocumentID)), true
	}
	pos, ok := d.index[name]
	if !ok {
		return value.Value{}, false
	}
	return d.fields[pos].Value, true
}

// FieldNames returns user field names (excluding "_id") in insertion order.
func (d *Document) FieldNames() []string {
	names := make([]string, len(d.fields))
	for i, f := range d.fields {
		names[i] = f.Name
	}
	return names
}

// String renders the document the way spec.md's E1 scenario expects:
// {"_id": <n>, "field": value, ...} in field insertion order, "_id" first.
func (d *Document) String() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"_id": `)
	buf.WriteString(strconv.FormatUint(d.DocumentID, 10))
	for _, f := range d.fields {
		buf.WriteString(`, "`)
		buf.WriteString(f.Name)
		buf.WriteString(`": `)
		writeJSONValue(&buf, f.Value)
	}
	buf.WriteByte('}')
	return buf.String()
}

func writeJSONValue(buf *bytes.Buffer, v value.Value) {
	switch v.Kind {
	case value.KindString:
		buf.WriteByte('"')
		buf.WriteString(v.Str)
		buf.WriteByte('"')
	case value.KindI32:
		buf.WriteString(strconv.FormatInt(int64(v.I32), 10))
	case value.KindI64:
		buf.WriteString(strconv.FormatInt(v.I64, 10))
	case value.KindF32:
		buf.WriteString(strconv.FormatFloat(float64(v.F32), 'f', -1, 32))
	case value.KindF64:
		buf.WriteString(strconv.FormatFloat(v.F64, 'f', -1, 64))
	case value.KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	}
}

// EncodePayload serializes the field map (including the synthetic "_id"
// field first) to the self-describing, round-trippable form spec.md §3
// calls "UTF-8 key:value; pairs": a u16 name length, the name bytes, and
// the value's own self-describing encoding (value.Encode already carries
// its type tag).
func (d *Document) EncodePayload() []byte {
	var buf bytes.Buffer
	writeField(&buf, "_id", value.I64(int64(d.DocumentID)))
	for _, f := range d.fields {
		writeField(&buf, f.Name, f.Value)
	}
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, name string, v value.Value) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(name)))
	buf.Write(lenBuf[:])
	buf.WriteString(name)
	buf.Write(value.Encode(v))
}

// DecodePayload parses a payload produced by EncodePayload into a new
// Document. The first field must be "_id"; its value becomes DocumentID.
func DecodePayload(payload []byte) (*Document, error) {
	pos := 0
	readField := func() (string, value.Value, error) {
		if pos+2 > len(payload) {
			return "", value.Value{}, fmt.Errorf("document: truncated field name length")
		}
		nameLen := int(binary.BigEndian.Uint16(payload[pos:]))
		pos += 2
		if pos+nameLen > len(payload) {
			return "", value.Value{}, fmt.Errorf("document: truncated field name")
		}
		name := string(payload[pos : pos+nameLen])
		pos += nameLen
		v, n, err := value.Decode(payload[pos:])
		if err != nil {
			return "", value.Value{}, fmt.Errorf("document: field %q: %w", name, err)
		}
		pos += n
		return name, v, nil
	}

	idName, idVal, err := readField()
	if err != nil {
		return nil, err
	}
	if idName != "_id" {
		return nil, fmt.Errorf("document: expected leading _id field, got %q", idName)
	}
	if idVal.Kind != value.KindI64 {
		return nil, fmt.Errorf("document: _id field has unexpected kind %s", idVal.Kind)
	}

	doc := New(uint64(idVal.I64))
	for pos < len(payload) {
		name, v, err := readField()
		if err != nil {
			return nil, err
		}
		if err := doc.Put(name, v); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// EncodeRecord produces the full on-disk record:
// |docId u64 BE|pageId u64 BE|dcs u32 BE|cs u32 BE|flag u8|payload|
// flag is caller-supplied so Page can stamp ACTIVE/INACTIVE directly into
// the bytes it writes. When compress is true the payload is LZ4-compressed
// and cs is set to the compressed length; otherwise cs is 0 and the raw
// payload of length dcs is stored.
func (d *Document) EncodeRecord(flag byte, compress bool) []byte {
	payload := d.EncodePayload()
	dcs := uint32(len(payload))

	body := payload
	cs := uint32(0)
	if compress {
		// CompressBlock returns (0, nil) when payload is incompressible
		// (pierrec/lz4's documented behavior for small/low-entropy input).
		// Keep the raw payload in that case so dcs and the stored bytes
		// still agree with cs=0, the uncompressed branch DecodeRecord takes.
		if compressed := compressLZ4(payload); len(compressed) > 0 {
			body = compressed
			cs = uint32(len(compressed))
		}
	}

	out := make([]byte, recordHeaderSize+len(body))
	binary.BigEndian.PutUint64(out[0:8], d.DocumentID)
	binary.BigEndian.PutUint64(out[8:16], d.PageID)
	binary.BigEndian.PutUint32(out[16:20], dcs)
	binary.BigEndian.PutUint32(out[20:24], cs)
	out[24] = flag
	copy(out[recordHeaderSize:], body)
	return out
}

// RecordHeader is the 25-byte decoded header of an on-disk record.
type RecordHeader struct {
	DocumentID       uint64
	PageID           uint64
	DecompressedSize uint32
	CompressedSize   uint32
	Flag             byte
}

// DecodeRecordHeader parses the fixed 25-byte header at the front of buf.
func DecodeRecordHeader(buf []byte) (RecordHeader, error) {
	if len(buf) < recordHeaderSize {
		return RecordHeader{}, fmt.Errorf("document: record header truncated")
	}
	return RecordHeader{
		DocumentID:       binary.BigEndian.Uint64(buf[0:8]),
		PageID:           binary.BigEndian.Uint64(buf[8:16]),
		DecompressedSize: binary.BigEndian.Uint32(buf[16:20]),
		CompressedSize:   binary.BigEndian.Uint32(buf[20:24]),
		Flag:             buf[24],
	}, nil
}

// RecordHeaderSize exposes recordHeaderSize to sibling packages (page,
// pagemanager) that must size-check free space against it.
const RecordHeaderSize = recordHeaderSize

// DecodeRecord parses a full on-disk record (header + body) back into a
// Document, decompressing the body first if header.CompressedSize > 0.
// CorruptPage-class errors (docId mismatch, size mismatch, bad
// decompression) are surfaced as plain errors; callers decide how to log
// or propagate them (spec.md §7's CorruptPage kind).
func DecodeRecord(buf []byte) (*Document, RecordHeader, error) {
	header, err := DecodeRecordHeader(buf)
	if err != nil {
		return nil, RecordHeader{}, err
	}
	body := buf[recordHeaderSize:]

	var payload []byte
	if header.CompressedSize > 0 {
		if len(body) < int(header.CompressedSize) {
			return nil, header, fmt.Errorf("document: truncated compressed body")
		}
		payload, err = decompressLZ4(body[:header.CompressedSize], int(header.DecompressedSize))
		if err != nil {
			return nil, header, fmt.Errorf("document: decompress: %w", err)
		}
	} else {
		if len(body) < int(header.DecompressedSize) {
			return nil, header, fmt.Errorf("document: truncated body")
		}
		payload = body[:header.DecompressedSize]
	}

	doc, err := DecodePayload(payload)
	if err != nil {
		return nil, header, err
	}
	if doc.DocumentID != header.DocumentID {
		return nil, header, fmt.Errorf("document: id mismatch, header=%d payload=%d", header.DocumentID, doc.DocumentID)
	}
	doc.PageID = header.PageID
	doc.DecompressedSize = header.DecompressedSize
	doc.CompressedSize = header.CompressedSize
	return doc, header, nil
}

func compressLZ4(src []byte) []byte {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil {
		panic(fmt.Sprintf("document: lz4 compress: %v", err))
	}
	return dst[:n]
}

func decompressLZ4(src []byte, decompressedSize int) ([]byte, error) {
	dst := make([]byte, decompressedSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n != decompressedSize {
		return nil, fmt.Errorf("document: decompressed length %d, want %d", n, decompressedSize)
	}
	return dst, nil
}
