package changelog

import (
	"fmt"

	"github.com/devrev/pairdb/changelog/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Records are stored as protobuf wire messages so fields can be added
// without rewriting existing segments. Unknown fields are skipped on decode.
//
//	CSN       { 1: timestamp varint, 2: seq varint, 3: server_id varint }
//	UpdateMsg { 1: operation varint, 2: base_dn bytes, 3: dn bytes, 4: csn CSN,
//	            5: entry_uuid bytes, 6: payload bytes }
//	CNRecord  { 1: change_number varint, 2: base_dn bytes, 3: csn CSN }

func appendCSNField(b []byte, num protowire.Number, c model.CSN) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(c.Timestamp))
	inner = protowire.AppendTag(inner, 2, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(uint32(c.SeqNum)))
	inner = protowire.AppendTag(inner, 3, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(uint32(c.ServerID)))

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walkFields calls fn for every field in b. fn returns the number of bytes it
// consumed, or a negative protowire error code; returning 0 skips the field.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n = fn(num, typ, b)
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeCSN(b []byte) (model.CSN, error) {
	var c model.CSN
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.VarintType {
			return 0
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return n
		}
		switch num {
		case 1:
			c.Timestamp = int64(v)
		case 2:
			c.SeqNum = int32(uint32(v))
		case 3:
			c.ServerID = int32(uint32(v))
		}
		return n
	})
	return c, err
}

func marshalUpdateMsg(m *model.UpdateMsg) []byte {
	b := make([]byte, 0, 64+len(m.DN)+len(m.BaseDN)+len(m.Payload))
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Operation))
	b = appendStringField(b, 2, m.BaseDN)
	b = appendStringField(b, 3, m.DN)
	b = appendCSNField(b, 4, m.CSN)
	b = appendStringField(b, 5, m.EntryUUID)
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

func unmarshalUpdateMsg(b []byte) (model.UpdateMsg, error) {
	var m model.UpdateMsg
	var csnErr error
	sawCSN := false
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Operation = model.Operation(v)
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				m.CSN, csnErr = consumeCSN(v)
				sawCSN = true
			}
			return n
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				m.Payload = append([]byte(nil), v...)
			}
			return n
		case typ == protowire.BytesType && (num == 2 || num == 3 || num == 5):
			v, n := protowire.ConsumeString(b)
			switch num {
			case 2:
				m.BaseDN = v
			case 3:
				m.DN = v
			case 5:
				m.EntryUUID = v
			}
			return n
		}
		return 0
	})
	if err != nil {
		return model.UpdateMsg{}, fmt.Errorf("failed to decode update message: %w", err)
	}
	if csnErr != nil {
		return model.UpdateMsg{}, fmt.Errorf("failed to decode update CSN: %w", csnErr)
	}
	if !sawCSN {
		return model.UpdateMsg{}, fmt.Errorf("update message has no CSN")
	}
	return m, nil
}

func marshalCNRecord(r *model.ChangeNumberIndexRecord) []byte {
	b := make([]byte, 0, 48+len(r.BaseDN))
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ChangeNumber))
	b = appendStringField(b, 2, r.BaseDN)
	b = appendCSNField(b, 3, r.CSN)
	return b
}

func unmarshalCNRecord(b []byte) (model.ChangeNumberIndexRecord, error) {
	var r model.ChangeNumberIndexRecord
	var csnErr error
	sawNumber := false
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.ChangeNumber = model.ChangeNumber(v)
			sawNumber = true
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.BaseDN = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				r.CSN, csnErr = consumeCSN(v)
			}
			return n
		}
		return 0
	})
	if err != nil {
		return model.ChangeNumberIndexRecord{}, fmt.Errorf("failed to decode change number record: %w", err)
	}
	if csnErr != nil {
		return model.ChangeNumberIndexRecord{}, fmt.Errorf("failed to decode change number CSN: %w", csnErr)
	}
	if !sawNumber {
		return model.ChangeNumberIndexRecord{}, fmt.Errorf("change number record has no change number")
	}
	return r, nil
}

// replicaParser stores UpdateMsgs keyed by their CSN.
type replicaParser struct{}

func (replicaParser) EncodeRecord(rec model.Record[model.CSN, model.UpdateMsg]) ([]byte, error) {
	if rec.Key != rec.Value.CSN {
		return nil, fmt.Errorf("record key %s does not match update CSN %s", rec.Key, rec.Value.CSN)
	}
	return marshalUpdateMsg(&rec.Value), nil
}

func (replicaParser) DecodeRecord(data []byte) (model.Record[model.CSN, model.UpdateMsg], error) {
	m, err := unmarshalUpdateMsg(data)
	if err != nil {
		return model.Record[model.CSN, model.UpdateMsg]{}, err
	}
	return model.NewRecord(m.CSN, m), nil
}

// cnIndexParser stores change number index records keyed by change number.
type cnIndexParser struct{}

func (cnIndexParser) EncodeRecord(rec model.Record[model.ChangeNumber, model.ChangeNumberIndexRecord]) ([]byte, error) {
	if rec.Key != rec.Value.ChangeNumber {
		return nil, fmt.Errorf("record key %s does not match change number %s", rec.Key, rec.Value.ChangeNumber)
	}
	return marshalCNRecord(&rec.Value), nil
}

func (cnIndexParser) DecodeRecord(data []byte) (model.Record[model.ChangeNumber, model.ChangeNumberIndexRecord], error) {
	r, err := unmarshalCNRecord(data)
	if err != nil {
		return model.Record[model.ChangeNumber, model.ChangeNumberIndexRecord]{}, err
	}
	return model.NewRecord(r.ChangeNumber, r), nil
}
