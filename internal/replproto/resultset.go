package replproto

import (
	"strconv"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgbckctl/pgbckctl/internal/protobuf"
)

// ColumnDescriptor names one result-set column following the wire
// RowDescription shape (name, table OID, attnum, type OID, type
// length, type modifier, format).
type ColumnDescriptor struct {
	Name     string
	TypeOID  uint32
	TypeSize int16
}

// RowDescription renders cols into the wire RowDescription message.
func RowDescription(cols []ColumnDescriptor) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, c := range cols {
		fields[i] = pgproto3.FieldDescription{
			Name:                 []byte(c.Name),
			TableOID:             0,
			TableAttributeNumber: 0,
			DataTypeOID:          c.TypeOID,
			DataTypeSize:         c.TypeSize,
			TypeModifier:         -1,
			Format:               0,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

// TextColumn encodes a column value in PostgreSQL's text wire format.
func TextColumn(s string) []byte { return []byte(s) }

// Uint32Column encodes an unsigned 32-bit column in decimal text form,
// staged through protobuf.Buffer to exercise the shared wire-cursor
// type this package's binary values are modeled through elsewhere.
func Uint32Column(v uint32) []byte {
	text := strconv.FormatUint(uint64(v), 10)
	buf := protobuf.New()
	buf.Allocate(len(text))
	copy(buf.Ptr(), text)
	return buf.Ptr()
}

// NullColumn encodes SQL NULL: pgproto3 renders a nil Values entry as
// the wire's -1 length prefix.
func NullColumn() []byte { return nil }

// RowSender emits one DataRow at a time; implemented by *Conn so
// handlers can stream rows without materializing the whole result set.
type RowSender interface {
	SendRow(values ...[]byte) error
}
