// Package sharedoc implements the text operational-transform types used on
// the wire: the classic component ops ({p, i, d, c}) and the structured
// retain/insert/delete operation used by documents in history-ot mode.
package sharedoc

// OT type names carried on documents and updates. An update whose type does
// not match the document's is rejected before apply.
const (
	OTTypeShareJS = "sharejs-text-ot"
	OTTypeHistory = "history-ot"
)

// Op is a single text op component. Exactly one of I, D, C is set; the
// pointer distinguishes an absent field from an empty string. Position is
// relative to the document after all preceding components of the same op
// have been applied.
type Op struct {
	P int     `json:"p"`
	I *string `json:"i,omitempty"`
	D *string `json:"d,omitempty"`
	C *string `json:"c,omitempty"`
	// T is the comment thread id for comment components.
	T string `json:"t,omitempty"`
	// U marks components produced by an undo.
	U bool `json:"u,omitempty"`
	// Broken is set on an op that could not be rewound during diff
	// generation. Broken ops are skipped by later rewinds.
	Broken bool `json:"broken,omitempty"`
}

// Ops is one update's component list.
type Ops []Op

func Insert(p int, s string) Op {
	return Op{P: p, I: &s}
}

func Delete(p int, s string) Op {
	return Op{P: p, D: &s}
}

func Comment(p int, s, thread string) Op {
	return Op{P: p, C: &s, T: thread}
}

func (o Op) IsInsert() bool  { return o.I != nil }
func (o Op) IsDelete() bool  { return o.D != nil }
func (o Op) IsComment() bool { return o.C != nil }

// IsNoop reports a placeholder component carrying no text change.
func (o Op) IsNoop() bool { return o.I == nil && o.D == nil && o.C == nil }

func (o Op) Ins() string {
	if o.I == nil {
		return ""
	}
	return *o.I
}

func (o Op) Del() string {
	if o.D == nil {
		return ""
	}
	return *o.D
}

func (o Op) Com() string {
	if o.C == nil {
		return ""
	}
	return *o.C
}

func (ops Ops) Clone() Ops {
	out := make(Ops, len(ops))
	for i, o := range ops {
		out[i] = o.clone()
	}
	return out
}

func (o Op) clone() Op {
	c := o
	if o.I != nil {
		v := *o.I
		c.I = &v
	}
	if o.D != nil {
		v := *o.D
		c.D = &v
	}
	if o.C != nil {
		v := *o.C
		c.C = &v
	}
	return c
}

func strInject(s1 string, pos int, s2 string) string {
	return s1[:pos] + s2 + s1[pos:]
}
