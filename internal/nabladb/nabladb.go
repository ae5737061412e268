// Package nabladb implements the NablaDB binary configuration/driver-
// registry format spec.md §6 and §3 describe bit-exactly: an 8-byte magic
// + size + CRC-32/IEEE header, followed by a sequence of typed entries
// terminated by an end entry. Grounded on
// original_source/kernel32/io/nabladb.c and the original_source NablaDB
// format notes; no example repo in the retrieval pack ships a binary
// config-database codec of its own, so the wire-level byte shuffling below
// is built directly against the spec's bit-exact layout rather than
// adapted from a teacher file — see DESIGN.md.
package nabladb

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/sq8vps/system-sub001/internal/kernelerr"
)

// Type is an entry's payload type tag, per spec.md §6.
type Type uint8

const (
	TypeNull      Type = 1
	TypeByte      Type = 2
	TypeWord      Type = 3
	TypeDword     Type = 4
	TypeQword     Type = 5
	TypeBool      Type = 6
	TypeUTF8      Type = 7
	TypeTimestamp Type = 8
	TypeUUID      Type = 9
	TypeFloat     Type = 10
	TypeDouble    Type = 11
	TypeMulti     Type = 12

	arrayElementBit Type = 0x40
	arrayBit        Type = 0x80

	typeEnd Type = 0
)

const magic = "_NABLADB"

// Entry is one parsed record. IsArray marks an array entry: its element
// values sit in Elements (element type ElemType), and array-element records
// get no Entry of their own. Multi holds nested entries for TypeMulti.
type Entry struct {
	Type    Type
	Name    string
	Value   interface{}
	IsArray bool
	ElemType Type
	Elements []interface{}
	Multi    []Entry
}

// File is a fully decoded NablaDB database.
type File struct {
	Entries []Entry
}

// baseType strips the array bit, used when array==true to recover the
// element type the array's Type byte encodes.
func baseType(t Type) Type {
	return t &^ arrayBit
}

func sizeOfScalar(t Type) (int, bool) {
	switch t {
	case TypeByte, TypeBool:
		return 1, true
	case TypeWord:
		return 2, true
	case TypeDword, TypeFloat:
		return 4, true
	case TypeQword, TypeDouble, TypeTimestamp:
		return 8, true
	case TypeUUID:
		return 16, true
	}
	return 0, false
}

// Serialize encodes f into the bit-exact NablaDB byte layout: the size
// field counts the payload, and the CRC covers the whole file with the CRC
// field zeroed, per spec.md §6.
func Serialize(f *File) ([]byte, error) {
	var payload bytes.Buffer
	for _, e := range f.Entries {
		if err := writeEntry(&payload, e); err != nil {
			return nil, err
		}
	}
	payload.WriteByte(byte(typeEnd))

	var out bytes.Buffer
	out.WriteString(magic)
	binary.Write(&out, binary.LittleEndian, uint32(payload.Len()))
	crcPlaceholder := out.Len()
	binary.Write(&out, binary.LittleEndian, uint32(0))
	out.Write(payload.Bytes())

	buf := out.Bytes()
	crc := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[crcPlaceholder:crcPlaceholder+4], crc)
	return buf, nil
}

func writeEntry(buf *bytes.Buffer, e Entry) error {
	if e.IsArray {
		return writeArray(buf, e)
	}
	data, err := encodeValue(e.Type, e.Value)
	if err != nil {
		return err
	}
	buf.WriteByte(byte(e.Type))
	binary.Write(buf, binary.LittleEndian, uint32(len(e.Name)))
	binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.WriteString(e.Name)
	buf.Write(data)
	if e.Type == TypeMulti {
		for _, sub := range e.Multi {
			if err := writeEntry(buf, sub); err != nil {
				return err
			}
		}
		buf.WriteByte(byte(typeEnd))
	}
	return nil
}

func writeArray(buf *bytes.Buffer, e Entry) error {
	arrayType := arrayBit | e.ElemType
	buf.WriteByte(byte(arrayType))
	binary.Write(buf, binary.LittleEndian, uint32(len(e.Name)))
	binary.Write(buf, binary.LittleEndian, uint32(len(e.Elements)))
	buf.WriteString(e.Name)
	for _, v := range e.Elements {
		data, err := encodeValue(e.ElemType, v)
		if err != nil {
			return err
		}
		buf.WriteByte(byte(arrayElementBit | e.ElemType))
		binary.Write(buf, binary.LittleEndian, uint32(len(data)))
		buf.Write(data)
	}
	return nil
}

func encodeValue(t Type, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	switch t {
	case TypeNull:
		return nil, nil
	case TypeByte:
		buf.WriteByte(v.(byte))
	case TypeWord:
		binary.Write(&buf, binary.LittleEndian, v.(uint16))
	case TypeDword:
		binary.Write(&buf, binary.LittleEndian, v.(uint32))
	case TypeQword:
		binary.Write(&buf, binary.LittleEndian, v.(uint64))
	case TypeBool:
		b := byte(0)
		if v.(bool) {
			b = 1
		}
		buf.WriteByte(b)
	case TypeUTF8:
		// data_len includes the trailing NUL spec.md §6's S5 scenario shows
		// on the wire (`data_len=5` for a 4-character string); decodeValue
		// strips it back off on the way out.
		buf.WriteString(v.(string))
		buf.WriteByte(0)
	case TypeTimestamp:
		binary.Write(&buf, binary.LittleEndian, uint64(v.(time.Time).UnixNano()))
	case TypeUUID:
		u := v.(uuid.UUID)
		buf.Write(u[:])
	case TypeFloat:
		binary.Write(&buf, binary.LittleEndian, v.(float32))
	case TypeDouble:
		binary.Write(&buf, binary.LittleEndian, v.(float64))
	case TypeMulti:
		// handled by writeEntry (nested entries), no flat payload of its own
	default:
		return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
	}
	return buf.Bytes(), nil
}

// Verify checks the magic, declared size, and CRC-32/IEEE of raw, per
// spec.md §6 and §8 property 9 (single-bit flips must fail verification).
func Verify(raw []byte) bool {
	if len(raw) < 16 || string(raw[:8]) != magic {
		return false
	}
	size := binary.LittleEndian.Uint32(raw[8:12])
	storedCRC := binary.LittleEndian.Uint32(raw[12:16])
	if uint32(len(raw)-16) != size {
		return false
	}
	check := make([]byte, len(raw))
	copy(check, raw)
	binary.LittleEndian.PutUint32(check[12:16], 0)
	return crc32.ChecksumIEEE(check) == storedCRC
}

// Parse decodes raw into a File, verifying it first, per spec.md §6.
func Parse(raw []byte) (*File, error) {
	if !Verify(raw) {
		return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
	}
	payload := raw[16:]
	entries, _, err := parseEntries(payload)
	if err != nil {
		return nil, err
	}
	return &File{Entries: entries}, nil
}

func parseEntries(buf []byte) ([]Entry, []byte, error) {
	var entries []Entry
	for {
		if len(buf) < 1 {
			return nil, nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		t := Type(buf[0])
		buf = buf[1:]
		if t == typeEnd {
			return entries, buf, nil
		}
		if t&arrayBit != 0 && t&arrayElementBit == 0 {
			e, rest, err := parseArray(t, buf)
			if err != nil {
				return nil, nil, err
			}
			entries = append(entries, e)
			buf = rest
			continue
		}
		e, rest, err := parseStandard(t, buf)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
		buf = rest
	}
}

func need(buf []byte, n int) error {
	if len(buf) < n {
		return kernelerr.New(kernelerr.ErrDatabaseBroken)
	}
	return nil
}

func parseStandard(t Type, buf []byte) (Entry, []byte, error) {
	if err := need(buf, 8); err != nil {
		return Entry{}, nil, err
	}
	nameLen := binary.LittleEndian.Uint32(buf[0:4])
	dataLen := binary.LittleEndian.Uint32(buf[4:8])
	buf = buf[8:]
	if err := need(buf, int(nameLen)); err != nil {
		return Entry{}, nil, err
	}
	name := string(buf[:nameLen])
	buf = buf[nameLen:]

	if t == TypeMulti {
		sub, rest, err := parseEntries(buf)
		if err != nil {
			return Entry{}, nil, err
		}
		return Entry{Type: t, Name: name, Multi: sub}, rest, nil
	}

	if err := need(buf, int(dataLen)); err != nil {
		return Entry{}, nil, err
	}
	data := buf[:dataLen]
	buf = buf[dataLen:]
	v, err := decodeValue(t, data)
	if err != nil {
		return Entry{}, nil, err
	}
	return Entry{Type: t, Name: name, Value: v}, buf, nil
}

func parseArray(arrType Type, buf []byte) (Entry, []byte, error) {
	elemType := baseType(arrType)
	if err := need(buf, 8); err != nil {
		return Entry{}, nil, err
	}
	nameLen := binary.LittleEndian.Uint32(buf[0:4])
	count := binary.LittleEndian.Uint32(buf[4:8])
	buf = buf[8:]
	if err := need(buf, int(nameLen)); err != nil {
		return Entry{}, nil, err
	}
	name := string(buf[:nameLen])
	buf = buf[nameLen:]

	elems := make([]interface{}, 0, count)
	for i := uint32(0); i < count; i++ {
		if err := need(buf, 5); err != nil {
			return Entry{}, nil, err
		}
		elemTag := Type(buf[0])
		if elemTag != (arrayElementBit | elemType) {
			return Entry{}, nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		dataLen := binary.LittleEndian.Uint32(buf[1:5])
		buf = buf[5:]
		if err := need(buf, int(dataLen)); err != nil {
			return Entry{}, nil, err
		}
		v, err := decodeValue(elemType, buf[:dataLen])
		if err != nil {
			return Entry{}, nil, err
		}
		elems = append(elems, v)
		buf = buf[dataLen:]
	}
	return Entry{Type: arrType, Name: name, IsArray: true, ElemType: elemType, Elements: elems}, buf, nil
}

func decodeValue(t Type, data []byte) (interface{}, error) {
	switch t {
	case TypeNull:
		return nil, nil
	case TypeByte:
		if len(data) != 1 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		return data[0], nil
	case TypeWord:
		if len(data) != 2 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		return binary.LittleEndian.Uint16(data), nil
	case TypeDword:
		if len(data) != 4 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		return binary.LittleEndian.Uint32(data), nil
	case TypeQword:
		if len(data) != 8 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		return binary.LittleEndian.Uint64(data), nil
	case TypeBool:
		if len(data) != 1 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		return data[0] != 0, nil
	case TypeUTF8:
		if len(data) == 0 || data[len(data)-1] != 0 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		return string(data[:len(data)-1]), nil
	case TypeTimestamp:
		if len(data) != 8 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		return time.Unix(0, int64(binary.LittleEndian.Uint64(data))).UTC(), nil
	case TypeUUID:
		if len(data) != 16 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		u, err := uuid.FromBytes(data)
		if err != nil {
			return nil, kernelerr.Wrap(kernelerr.ErrDatabaseBroken, err)
		}
		return u, nil
	case TypeFloat:
		if len(data) != 4 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		bits := binary.LittleEndian.Uint32(data)
		return math.Float32frombits(bits), nil
	case TypeDouble:
		if len(data) != 8 {
			return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
		}
		bits := binary.LittleEndian.Uint64(data)
		return math.Float64frombits(bits), nil
	}
	return nil, kernelerr.New(kernelerr.ErrDatabaseBroken)
}
