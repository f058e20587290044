package rpc

import (
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/p2psync"
)

type AnnounceRequest struct {
	Addr   string
	Hashes []p2psync.Hash
}

type AnnounceResponse struct{}

type QueryRequest struct {
	Hash p2psync.Hash
}

type QueryResponse struct {
	Peers []p2psync.PeerRecord
}

type MetadataRequest struct {
	Hash p2psync.Hash
}

type MetadataResponse struct {
	Node *p2psync.ContentNode
}

type ChunkRequest struct {
	Hash  p2psync.Hash
	Index int
}

type ChunkResponse struct {
	Data []byte
}

// fieldFunc consumes the value of one field,
// returning the number of bytes consumed
// or a negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, buf []byte) (int, error)

func consumeFields(buf []byte, f fieldFunc) error {
	for len(buf) > 0 {
		num, typ, m := protowire.ConsumeTag(buf)
		if m < 0 {
			return protowire.ParseError(m)
		}
		buf = buf[m:]

		m, err := f(num, typ, buf)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		buf = buf[m:]
	}
	return nil
}

func appendHash(buf []byte, num protowire.Number, h p2psync.Hash) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, h[:])
}

func consumeHash(buf []byte, h *p2psync.Hash) (int, error) {
	b, m := protowire.ConsumeBytes(buf)
	if m < 0 {
		return m, nil
	}
	got, err := p2psync.HashFromBytes(b)
	if err != nil {
		return m, err
	}
	*h = got
	return m, nil
}

func (r *AnnounceRequest) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, r.Addr)
	for _, h := range r.Hashes {
		buf = appendHash(buf, 2, h)
	}
	return buf
}

func (r *AnnounceRequest) unmarshal(buf []byte) error {
	*r = AnnounceRequest{}
	return consumeFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			var m int
			r.Addr, m = protowire.ConsumeString(buf)
			return m, nil
		case num == 2 && typ == protowire.BytesType:
			var h p2psync.Hash
			m, err := consumeHash(buf, &h)
			if err == nil && m >= 0 {
				r.Hashes = append(r.Hashes, h)
			}
			return m, err
		}
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
}

func (*AnnounceResponse) marshal() []byte { return nil }

func (r *AnnounceResponse) unmarshal(buf []byte) error {
	return consumeFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
}

func (r *QueryRequest) marshal() []byte {
	return appendHash(nil, 1, r.Hash)
}

func (r *QueryRequest) unmarshal(buf []byte) error {
	*r = QueryRequest{}
	return consumeFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			return consumeHash(buf, &r.Hash)
		}
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
}

// A peer record is encoded as a nested message:
// 1: address, 2: last announce time in Unix nanoseconds.
func (r *QueryResponse) marshal() []byte {
	var buf []byte
	for _, p := range r.Peers {
		var pbuf []byte
		pbuf = protowire.AppendTag(pbuf, 1, protowire.BytesType)
		pbuf = protowire.AppendString(pbuf, p.Addr)
		pbuf = protowire.AppendTag(pbuf, 2, protowire.VarintType)
		pbuf = protowire.AppendVarint(pbuf, uint64(p.LastAnnounce.UnixNano()))

		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, pbuf)
	}
	return buf
}

func (r *QueryResponse) unmarshal(buf []byte) error {
	*r = QueryResponse{}
	return consumeFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, buf), nil
		}
		pbuf, m := protowire.ConsumeBytes(buf)
		if m < 0 {
			return m, nil
		}
		var rec p2psync.PeerRecord
		err := consumeFields(pbuf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.BytesType:
				var m int
				rec.Addr, m = protowire.ConsumeString(buf)
				return m, nil
			case num == 2 && typ == protowire.VarintType:
				v, m := protowire.ConsumeVarint(buf)
				rec.LastAnnounce = time.Unix(0, int64(v))
				return m, nil
			}
			return protowire.ConsumeFieldValue(num, typ, buf), nil
		})
		if err != nil {
			return m, errors.Wrap(err, "decoding peer record")
		}
		r.Peers = append(r.Peers, rec)
		return m, nil
	})
}

func (r *MetadataRequest) marshal() []byte {
	return appendHash(nil, 1, r.Hash)
}

func (r *MetadataRequest) unmarshal(buf []byte) error {
	*r = MetadataRequest{}
	return consumeFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			return consumeHash(buf, &r.Hash)
		}
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
}

func (r *MetadataResponse) marshal() []byte {
	if r.Node == nil {
		return nil
	}
	buf := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(buf, r.Node.AppendBinary(nil))
}

func (r *MetadataResponse) unmarshal(buf []byte) error {
	*r = MetadataResponse{}
	return consumeFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, buf), nil
		}
		b, m := protowire.ConsumeBytes(buf)
		if m < 0 {
			return m, nil
		}
		r.Node = new(p2psync.ContentNode)
		return m, r.Node.UnmarshalBinary(b)
	})
}

func (r *ChunkRequest) marshal() []byte {
	buf := appendHash(nil, 1, r.Hash)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(r.Index))
}

func (r *ChunkRequest) unmarshal(buf []byte) error {
	*r = ChunkRequest{}
	return consumeFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeHash(buf, &r.Hash)
		case num == 2 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(buf)
			r.Index = int(v)
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
}

func (r *ChunkResponse) marshal() []byte {
	buf := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(buf, r.Data)
}

func (r *ChunkResponse) unmarshal(buf []byte) error {
	*r = ChunkResponse{}
	return consumeFields(buf, func(num protowire.Number, typ protowire.Type, buf []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			b, m := protowire.ConsumeBytes(buf)
			if m >= 0 {
				r.Data = append([]byte(nil), b...)
			}
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, buf), nil
	})
}
