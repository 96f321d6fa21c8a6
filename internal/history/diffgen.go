// Package history turns stored update packs back into user-facing history:
// document diffs between versions, restores to old versions, summarized
// project activity, and the pipeline that drains raw updates into packs.
package history

import (
	"fmt"
	"log"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
)

// PartMeta attributes a diff part to an author and a time range.
type PartMeta struct {
	StartTS int64  `json:"start_ts"`
	EndTS   int64  `json:"end_ts"`
	UserID  string `json:"user_id,omitempty"`
}

// DiffPart is one run of a document diff: text unchanged across the range
// (U), inserted during it (I), or deleted during it (D).
type DiffPart struct {
	U    string    `json:"u,omitempty"`
	I    string    `json:"i,omitempty"`
	D    string    `json:"d,omitempty"`
	Meta *PartMeta `json:"meta,omitempty"`
}

func (p DiffPart) content() string {
	if p.U != "" {
		return p.U
	}
	if p.I != "" {
		return p.I
	}
	return p.D
}

// visible length: deletes take no space in the current document.
func (p DiffPart) length() int {
	if p.D != "" {
		return 0
	}
	return len(p.content())
}

func metaForUpdate(meta sharedoc.UpdateMeta) *PartMeta {
	return &PartMeta{StartTS: meta.StartTS, EndTS: meta.EndTS, UserID: meta.UserID}
}

// RewindOp undoes a single op against content: inserts are removed, deletes
// are put back. An insert position beyond the end of the content is clamped
// back, and the clamped position is written onto the op so later passes see
// the position that was actually used.
func RewindOp(content string, op *sharedoc.Op) (string, error) {
	switch {
	case op.IsInsert():
		p := op.P
		if maxP := len(content) - len(op.Ins()); p > maxP {
			log.Printf("history: truncating position for op p=%d max_p=%d", p, maxP)
			p = maxP
			op.P = p
		}
		if p < 0 {
			return "", apperr.New(apperr.Consistency,
				fmt.Sprintf("insert %q is longer than the content to rewind", op.Ins()))
		}
		if removed := content[p : p+len(op.Ins())]; removed != op.Ins() {
			return "", apperr.New(apperr.Consistency,
				fmt.Sprintf("inserted content %q does not match text to be removed %q", op.Ins(), removed))
		}
		return content[:p] + content[p+len(op.Ins()):], nil
	case op.IsDelete():
		if op.P > len(content) {
			return "", apperr.New(apperr.Consistency,
				fmt.Sprintf("delete position %d beyond content length %d", op.P, len(content)))
		}
		return content[:op.P] + op.Del() + content[op.P:], nil
	default:
		return content, nil
	}
}

// RewindUpdate undoes one update, last op first. Ops already flagged broken
// are skipped. When tolerateBroken is set, an op that fails to rewind is
// flagged broken and skipped instead of aborting.
func RewindUpdate(content string, update *sharedoc.Update, tolerateBroken bool) (string, error) {
	for i := len(update.Op) - 1; i >= 0; i-- {
		op := &update.Op[i]
		if op.Broken {
			continue
		}
		rewound, err := RewindOp(content, op)
		if err != nil {
			if tolerateBroken && apperr.Is(err, apperr.Consistency) {
				log.Printf("history: marking broken op in update v=%d: %v", update.V, err)
				op.Broken = true
				continue
			}
			return "", err
		}
		content = rewound
	}
	return content, nil
}

// RewindUpdates undoes updates newest first. A consistency failure in the
// newest update is contained: the update queue may hold a final update that
// was never applied, so its ops are flagged broken and skipped. A failure
// any deeper means the history itself is inconsistent, and the rewind
// aborts.
func RewindUpdates(content string, updates []sharedoc.Update) (string, error) {
	for i := len(updates) - 1; i >= 0; i-- {
		tolerateBroken := i == len(updates)-1
		rewound, err := RewindUpdate(content, &updates[i], tolerateBroken)
		if err != nil {
			return "", err
		}
		content = rewound
	}
	return content, nil
}

// BuildDiff replays updates over the content at the starting version,
// producing the parts of the diff view.
func BuildDiff(initialContent string, updates []sharedoc.Update) ([]DiffPart, error) {
	diff := []DiffPart{{U: initialContent}}
	for i := range updates {
		var err error
		diff, err = ApplyUpdateToDiff(diff, &updates[i])
		if err != nil {
			return nil, err
		}
	}
	return CompressDiff(diff), nil
}

// ApplyUpdateToDiff folds one update into an existing diff.
func ApplyUpdateToDiff(diff []DiffPart, update *sharedoc.Update) ([]DiffPart, error) {
	meta := metaForUpdate(update.Meta)
	for _, op := range update.Op {
		if op.Broken {
			continue
		}
		var err error
		diff, err = applyOpToDiff(diff, op, meta)
		if err != nil {
			return nil, err
		}
	}
	return diff, nil
}

func applyOpToDiff(diff []DiffPart, op sharedoc.Op, meta *PartMeta) ([]DiffPart, error) {
	remaining := append([]DiffPart{}, diff...)
	newDiff, remaining := consumeToOffset(remaining, op.P)
	switch {
	case op.IsInsert():
		newDiff = append(newDiff, DiffPart{I: op.Ins(), Meta: meta})
	case op.IsDelete():
		consumed, rest, err := consumeDiffAffectedByDelete(remaining, op.Del(), meta)
		if err != nil {
			return nil, err
		}
		newDiff = append(newDiff, consumed...)
		remaining = rest
	}
	return append(newDiff, remaining...), nil
}

func splitPart(part DiffPart, offset int) (before, after DiffPart) {
	content := part.content()
	before, after = part, part
	if part.U != "" {
		before.U, after.U = content[:offset], content[offset:]
	} else if part.I != "" {
		before.I, after.I = content[:offset], content[offset:]
	}
	return before, after
}

// consumeToOffset moves parts up to the visible offset from the remaining
// diff into the consumed diff, splitting the boundary part if needed.
// Deletes occupy no visible space and are consumed as they are passed.
func consumeToOffset(remaining []DiffPart, offset int) (consumed, rest []DiffPart) {
	position := 0
	for len(remaining) > 0 {
		part := remaining[0]
		remaining = remaining[1:]
		length := part.length()
		if part.D != "" {
			consumed = append(consumed, part)
			continue
		}
		if position+length >= offset {
			partOffset := offset - position
			if partOffset < length {
				before, after := splitPart(part, partOffset)
				if before.content() != "" {
					consumed = append(consumed, before)
				}
				remaining = append([]DiffPart{after}, remaining...)
			} else {
				consumed = append(consumed, part)
			}
			return consumed, remaining
		}
		position += length
		consumed = append(consumed, part)
	}
	return consumed, remaining
}

func consumeDiffAffectedByDelete(remaining []DiffPart, deleted string, meta *PartMeta) (consumed, rest []DiffPart, err error) {
	for deleted != "" && len(remaining) > 0 {
		part := remaining[0]
		remaining = remaining[1:]
		length := part.length()

		if part.D != "" {
			// Existing deletes take no space and pass through unchanged.
			consumed = append(consumed, part)
			continue
		}

		switch {
		case length > len(deleted):
			// Only the head of this part is deleted.
			content := part.content()
			if content[:len(deleted)] != deleted {
				return nil, nil, deleteMismatch(deleted, content[:len(deleted)])
			}
			_, after := splitPart(part, len(deleted))
			remaining = append([]DiffPart{after}, remaining...)
			if part.U != "" {
				consumed = append(consumed, DiffPart{D: deleted, Meta: meta})
			}
			// Deleted inserts cancel out entirely.
			deleted = ""
		default:
			// The whole part is deleted, possibly with more to come.
			content := part.content()
			if deleted[:len(content)] != content {
				return nil, nil, deleteMismatch(deleted[:len(content)], content)
			}
			if part.U != "" {
				consumed = append(consumed, DiffPart{D: content, Meta: meta})
			}
			deleted = deleted[len(content):]
		}
	}
	return consumed, remaining, nil
}

func deleteMismatch(want, got string) error {
	return apperr.New(apperr.Consistency,
		fmt.Sprintf("deleted content %q does not match diff content %q", want, got))
}

// CompressDiff merges adjacent inserts, and adjacent deletes, made by the
// same user into single parts spanning both time ranges.
func CompressDiff(diff []DiffPart) []DiffPart {
	var out []DiffPart
	for _, part := range diff {
		if len(out) > 0 {
			last := &out[len(out)-1]
			sameUser := last.Meta != nil && part.Meta != nil && last.Meta.UserID == part.Meta.UserID
			if sameUser && last.I != "" && part.I != "" {
				last.I += part.I
				mergePartMeta(last.Meta, part.Meta)
				continue
			}
			if sameUser && last.D != "" && part.D != "" {
				last.D += part.D
				mergePartMeta(last.Meta, part.Meta)
				continue
			}
		}
		part := part
		if part.Meta != nil {
			m := *part.Meta
			part.Meta = &m
		}
		out = append(out, part)
	}
	return out
}

func mergePartMeta(dst, src *PartMeta) {
	if src.StartTS < dst.StartTS {
		dst.StartTS = src.StartTS
	}
	if src.EndTS > dst.EndTS {
		dst.EndTS = src.EndTS
	}
}
