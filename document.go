package docdb

import (
	"strconv"
	"time"
)

// DocumentID identifies a document. Ids are generated by the DB and only grow.
type DocumentID uint64

func (id DocumentID) String() string { return strconv.FormatUint(uint64(id), 10) }

// DocumentPosition addresses a payload slot: page file index and byte offset
// of the slot's active flag inside that page.
type DocumentPosition struct {
	PageIndex  uint64
	PageOffset uint64
}

func (p *DocumentPosition) EncodeBinary(w *BinaryWriter) error {
	w.Uint64(p.PageIndex)
	w.Uint64(p.PageOffset)
	return w.Err()
}

func (p *DocumentPosition) DecodeBinary(r *BinaryReader) error {
	p.PageIndex = r.Uint64()
	p.PageOffset = r.Uint64()
	return r.Err()
}

// DocumentInfo is the metadata kept in the index for every document.
type DocumentInfo struct {
	ID        DocumentID
	Created   time.Time
	Updated   time.Time
	Name      string
	Owner     string
	Namespace string
	Position  *DocumentPosition
}

func (i *DocumentInfo) EncodeBinary(w *BinaryWriter) error {
	w.Uint64(uint64(i.ID))
	w.Time(i.Created)
	w.Time(i.Updated)
	w.String(i.Name)
	w.String(i.Owner)
	w.String(i.Namespace)
	return WriteOptional(w, i.Position)
}

func (i *DocumentInfo) DecodeBinary(r *BinaryReader) error {
	i.ID = DocumentID(r.Uint64())
	i.Created = r.Time()
	i.Updated = r.Time()
	i.Name = r.StringValue()
	i.Owner = r.StringValue()
	i.Namespace = r.StringValue()
	if err := r.Err(); err != nil {
		return err
	}
	position, err := ReadOptional[DocumentPosition](r)
	if err != nil {
		return err
	}
	i.Position = position
	return nil
}

func (i DocumentInfo) clone() DocumentInfo {
	if i.Position != nil {
		position := *i.Position
		i.Position = &position
	}
	return i
}

// Document is what the DB hands out: metadata plus, when requested, the payload.
type Document struct {
	Info    DocumentInfo
	Payload []byte
}

// DocumentInput describes a new document.
type DocumentInput struct {
	Name      string
	Owner     string
	Namespace string
	Payload   []byte
}

// DocumentUpdate describes a partial update. Nil fields are left untouched;
// to store an empty payload pass a non-nil empty slice.
type DocumentUpdate struct {
	Name      *string
	Owner     *string
	Namespace *string
	Payload   []byte
}
