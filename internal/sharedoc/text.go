package sharedoc

import (
	"fmt"

	"papyrus/api/internal/apperr"
)

func checkValidOp(ops Ops) error {
	for _, c := range ops {
		n := 0
		if c.I != nil {
			n++
		}
		if c.D != nil {
			n++
		}
		if c.C != nil {
			n++
		}
		if n != 1 {
			return apperr.New(apperr.Consistency, "op component needs exactly one of i, d or c")
		}
		if c.P < 0 {
			return apperr.New(apperr.Consistency, "op component position cannot be negative")
		}
	}
	return nil
}

// Apply runs every component of op against snapshot in order. Delete and
// comment components must match the text they claim to cover.
func Apply(snapshot string, op Ops) (string, error) {
	if err := checkValidOp(op); err != nil {
		return "", err
	}
	for _, c := range op {
		switch {
		case c.IsInsert():
			if c.P > len(snapshot) {
				return "", apperr.New(apperr.Consistency, fmt.Sprintf("insert position %d beyond end of document (%d)", c.P, len(snapshot)))
			}
			snapshot = strInject(snapshot, c.P, c.Ins())
		case c.IsDelete():
			end := c.P + len(c.Del())
			if end > len(snapshot) {
				return "", apperr.New(apperr.Consistency, fmt.Sprintf("delete at %d runs past end of document (%d)", c.P, len(snapshot)))
			}
			if deleted := snapshot[c.P:end]; deleted != c.Del() {
				return "", apperr.New(apperr.Consistency, fmt.Sprintf("delete component %q does not match deleted text %q", c.Del(), deleted))
			}
			snapshot = snapshot[:c.P] + snapshot[end:]
		case c.IsComment():
			end := c.P + len(c.Com())
			if end > len(snapshot) {
				return "", apperr.New(apperr.Consistency, fmt.Sprintf("comment at %d runs past end of document (%d)", c.P, len(snapshot)))
			}
			if commented := snapshot[c.P:end]; commented != c.Com() {
				return "", apperr.New(apperr.Consistency, fmt.Sprintf("comment component %q does not match commented text %q", c.Com(), commented))
			}
		}
	}
	return snapshot, nil
}

// append adds c to ops, composing it into the previous component where the
// two are adjacent inserts or deletes by the same undo state.
func appendOp(ops Ops, c Op) Ops {
	if (c.IsInsert() && c.Ins() == "") || (c.IsDelete() && c.Del() == "") {
		return ops
	}
	if len(ops) == 0 {
		return append(ops, c)
	}
	last := ops[len(ops)-1]
	switch {
	case last.IsInsert() && c.IsInsert() && last.P <= c.P && c.P <= last.P+len(last.Ins()) && last.U == c.U:
		merged := last.clone()
		s := strInject(last.Ins(), c.P-last.P, c.Ins())
		merged.I = &s
		ops[len(ops)-1] = merged
	case last.IsDelete() && c.IsDelete() && c.P <= last.P && last.P <= c.P+len(c.Del()) && last.U == c.U:
		merged := last.clone()
		s := strInject(c.Del(), last.P-c.P, last.Del())
		merged.D = &s
		merged.P = c.P
		ops[len(ops)-1] = merged
	default:
		ops = append(ops, c)
	}
	return ops
}

// Compose concatenates two ops into one, merging adjacent components.
func Compose(op1, op2 Ops) (Ops, error) {
	if err := checkValidOp(op1); err != nil {
		return nil, err
	}
	if err := checkValidOp(op2); err != nil {
		return nil, err
	}
	out := append(Ops{}, op1...)
	for _, c := range op2 {
		out = appendOp(out, c)
	}
	return out, nil
}

// TransformPosition maps a document position through a single component.
// For inserts exactly at pos, insertAfter picks which side the position
// lands on.
func TransformPosition(pos int, c Op, insertAfter bool) int {
	switch {
	case c.IsInsert():
		if c.P < pos || (c.P == pos && insertAfter) {
			return pos + len(c.Ins())
		}
		return pos
	case c.IsDelete():
		if pos <= c.P {
			return pos
		}
		if pos <= c.P+len(c.Del()) {
			return c.P
		}
		return pos - len(c.Del())
	default:
		return pos
	}
}

// Side disambiguates concurrent inserts at the same position. The client
// whose op is transformed with SideLeft keeps its insert first.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

// transformComponent transforms c by otherC, appending the result (possibly
// several components, possibly none) to dest.
func transformComponent(dest Ops, c, otherC Op, side Side) (Ops, error) {
	switch {
	case c.IsInsert():
		moved := c.clone()
		moved.P = TransformPosition(c.P, otherC, side == SideRight)
		return appendOp(dest, moved), nil

	case c.IsDelete():
		switch {
		case otherC.IsInsert():
			s := c.Del()
			p := c.P
			if c.P < otherC.P {
				head := c.clone()
				hs := s[:min(otherC.P-c.P, len(s))]
				head.D = &hs
				dest = appendOp(dest, head)
				s = s[len(hs):]
			}
			if s != "" {
				tail := c.clone()
				tail.D = &s
				tail.P = p + len(otherC.Ins())
				dest = appendOp(dest, tail)
			}
			return dest, nil
		case otherC.IsDelete():
			switch {
			case c.P >= otherC.P+len(otherC.Del()):
				moved := c.clone()
				moved.P = c.P - len(otherC.Del())
				return appendOp(dest, moved), nil
			case c.P+len(c.Del()) <= otherC.P:
				return appendOp(dest, c), nil
			default:
				// Overlapping deletes: keep only the parts of c outside otherC.
				remaining := ""
				if c.P < otherC.P {
					remaining = c.Del()[:otherC.P-c.P]
				}
				if c.P+len(c.Del()) > otherC.P+len(otherC.Del()) {
					remaining += c.Del()[otherC.P+len(otherC.Del())-c.P:]
				}
				start := max(c.P, otherC.P)
				end := min(c.P+len(c.Del()), otherC.P+len(otherC.Del()))
				if c.Del()[start-c.P:end-c.P] != otherC.Del()[start-otherC.P:end-otherC.P] {
					return nil, apperr.New(apperr.Consistency, "delete ops delete different text in the same region of the document")
				}
				if remaining != "" {
					kept := c.clone()
					kept.D = &remaining
					kept.P = TransformPosition(c.P, otherC, false)
					dest = appendOp(dest, kept)
				}
				return dest, nil
			}
		default: // comment
			return appendOp(dest, c), nil
		}

	case c.IsComment():
		switch {
		case otherC.IsInsert():
			if c.P < otherC.P && otherC.P < c.P+len(c.Com()) {
				// Insert lands inside the commented text: grow the comment.
				offset := otherC.P - c.P
				grown := c.clone()
				s := c.Com()[:offset] + otherC.Ins() + c.Com()[offset:]
				grown.C = &s
				return appendOp(dest, grown), nil
			}
			moved := c.clone()
			moved.P = TransformPosition(c.P, otherC, true)
			return appendOp(dest, moved), nil
		case otherC.IsDelete():
			switch {
			case c.P >= otherC.P+len(otherC.Del()):
				moved := c.clone()
				moved.P = c.P - len(otherC.Del())
				return appendOp(dest, moved), nil
			case c.P+len(c.Com()) <= otherC.P:
				return appendOp(dest, c), nil
			default:
				remaining := ""
				if c.P < otherC.P {
					remaining = c.Com()[:otherC.P-c.P]
				}
				if c.P+len(c.Com()) > otherC.P+len(otherC.Del()) {
					remaining += c.Com()[otherC.P+len(otherC.Del())-c.P:]
				}
				start := max(c.P, otherC.P)
				end := min(c.P+len(c.Com()), otherC.P+len(otherC.Del()))
				if c.Com()[start-c.P:end-c.P] != otherC.Del()[start-otherC.P:end-otherC.P] {
					return nil, apperr.New(apperr.Consistency, "delete ops delete different text in the same region of the document")
				}
				kept := c.clone()
				kept.C = &remaining
				kept.P = TransformPosition(c.P, otherC, false)
				return appendOp(dest, kept), nil
			}
		default:
			return appendOp(dest, c), nil
		}
	}
	return dest, nil
}

// Transform rewrites op so it applies to a document that has already had
// otherOp applied.
func Transform(op, otherOp Ops, side Side) (Ops, error) {
	if err := checkValidOp(op); err != nil {
		return nil, err
	}
	if err := checkValidOp(otherOp); err != nil {
		return nil, err
	}
	var out Ops
	for _, c := range op {
		pending := Ops{c}
		for _, otherC := range otherOp {
			var next Ops
			var err error
			for _, cc := range pending {
				next, err = transformComponent(next, cc, otherC, side)
				if err != nil {
					return nil, err
				}
			}
			pending = next
		}
		for _, cc := range pending {
			out = appendOp(out, cc)
		}
	}
	return out, nil
}

// Invert produces the op that undoes op. Comment components carry no text
// change and pass through unchanged.
func Invert(op Ops) Ops {
	out := make(Ops, 0, len(op))
	for i := len(op) - 1; i >= 0; i-- {
		c := op[i]
		switch {
		case c.IsInsert():
			out = append(out, Delete(c.P, c.Ins()))
		case c.IsDelete():
			out = append(out, Insert(c.P, c.Del()))
		default:
			out = append(out, c.clone())
		}
	}
	return out
}
