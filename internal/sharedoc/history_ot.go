package sharedoc

import (
	"encoding/json"
	"fmt"
	"strings"

	"papyrus/api/internal/apperr"
)

// TrackingProps annotates a retain or insert with tracked-change state.
type TrackingProps struct {
	Type   string `json:"type,omitempty"` // "insert", "delete" or "none"
	UserID string `json:"userId,omitempty"`
	TS     string `json:"ts,omitempty"`
}

// TextOpPart is one element of a structured text operation: a retain, an
// insert or a delete. Exactly one of Retain, Insert, Delete is meaningful.
type TextOpPart struct {
	Retain     int
	Insert     string
	Delete     int
	IsInsert   bool
	Tracking   *TrackingProps
	CommentIDs []string
}

// TextOp is the history-ot operation form: scalars on the wire (positive
// number = retain, string = insert, negative number = delete) with object
// forms for tracked or commented parts.
type TextOp []TextOpPart

func Retain(n int) TextOpPart       { return TextOpPart{Retain: n} }
func InsertPart(s string) TextOpPart { return TextOpPart{Insert: s, IsInsert: true} }
func DeletePart(n int) TextOpPart   { return TextOpPart{Delete: n} }

func (p TextOpPart) MarshalJSON() ([]byte, error) {
	switch {
	case p.IsInsert:
		if p.Tracking == nil && len(p.CommentIDs) == 0 {
			return json.Marshal(p.Insert)
		}
		obj := map[string]any{"i": p.Insert}
		if p.Tracking != nil {
			obj["tracking"] = p.Tracking
		}
		if len(p.CommentIDs) > 0 {
			obj["commentIds"] = p.CommentIDs
		}
		return json.Marshal(obj)
	case p.Delete > 0:
		return json.Marshal(map[string]int{"d": p.Delete})
	default:
		if p.Tracking == nil {
			return json.Marshal(p.Retain)
		}
		return json.Marshal(map[string]any{"r": p.Retain, "tracking": p.Tracking})
	}
}

func (p *TextOpPart) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == 0 {
		return fmt.Errorf("empty text op part")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = InsertPart(s)
		return nil
	case '{':
		var obj struct {
			I          *string        `json:"i"`
			R          *int           `json:"r"`
			D          *int           `json:"d"`
			Tracking   *TrackingProps `json:"tracking"`
			CommentIDs []string       `json:"commentIds"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		switch {
		case obj.I != nil:
			*p = TextOpPart{Insert: *obj.I, IsInsert: true, Tracking: obj.Tracking, CommentIDs: obj.CommentIDs}
		case obj.D != nil:
			*p = TextOpPart{Delete: *obj.D}
		case obj.R != nil:
			*p = TextOpPart{Retain: *obj.R, Tracking: obj.Tracking}
		default:
			return fmt.Errorf("text op part has no i, r or d field")
		}
		return nil
	default:
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if n < 0 {
			*p = DeletePart(-n)
		} else {
			*p = Retain(n)
		}
		return nil
	}
}

// BaseLength is the document length the operation expects to apply to.
func (op TextOp) BaseLength() int {
	n := 0
	for _, p := range op {
		if p.IsInsert {
			continue
		}
		n += p.Retain + p.Delete
	}
	return n
}

// TargetLength is the document length after applying the operation.
func (op TextOp) TargetLength() int {
	n := 0
	for _, p := range op {
		if p.IsInsert {
			n += len(p.Insert)
		} else {
			n += p.Retain
		}
	}
	return n
}

// ApplyTextOp applies a structured operation to snapshot. The operation's
// base length must equal the snapshot's length.
func ApplyTextOp(snapshot string, op TextOp) (string, error) {
	if got, want := len(snapshot), op.BaseLength(); got != want {
		return "", apperr.New(apperr.Consistency,
			fmt.Sprintf("operation base length %d does not match document length %d", want, got))
	}
	var b strings.Builder
	b.Grow(op.TargetLength())
	pos := 0
	for _, p := range op {
		switch {
		case p.IsInsert:
			b.WriteString(p.Insert)
		case p.Delete > 0:
			pos += p.Delete
		default:
			b.WriteString(snapshot[pos : pos+p.Retain])
			pos += p.Retain
		}
	}
	return b.String(), nil
}
