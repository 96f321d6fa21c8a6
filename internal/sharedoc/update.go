package sharedoc

// UpdateMeta carries the metadata attached to an update as it moves from the
// realtime layer through apply and into history. Timestamps are epoch
// milliseconds; StartTS/EndTS appear once updates have been compressed.
type UpdateMeta struct {
	UserID    string `json:"user_id,omitempty"`
	TS        int64  `json:"ts,omitempty"`
	StartTS   int64  `json:"start_ts,omitempty"`
	EndTS     int64  `json:"end_ts,omitempty"`
	DocLength int    `json:"doc_length,omitempty"`
	Pathname  string `json:"pathname,omitempty"`
	// TC is the tracked-changes id seed; a non-empty value switches change
	// tracking on for the update.
	TC     string `json:"tc,omitempty"`
	Source string `json:"source,omitempty"`
	// Type is "external" for updates produced by out-of-band setDoc calls.
	Type   string `json:"type,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Update is one versioned edit to a document.
type Update struct {
	Doc  string     `json:"doc,omitempty"`
	Op   Ops        `json:"op"`
	V    int64      `json:"v"`
	Meta UpdateMeta `json:"meta"`
	// LastV is set on catch-up ops sent back to clients.
	LastV *int64 `json:"lastV,omitempty"`
	// DupIfSource lists sources whose duplicate submissions are acked
	// instead of being applied twice.
	DupIfSource []string `json:"dupIfSource,omitempty"`
	Hash        string   `json:"hash,omitempty"`
	// Dup marks the ack for a detected duplicate.
	Dup bool `json:"dup,omitempty"`
}

// SizeBytes estimates an update's wire size from its op content. Used for
// merge caps and pack fill accounting.
func (u Update) SizeBytes() int {
	n := 0
	for _, c := range u.Op {
		n += len(c.Ins()) + len(c.Del()) + len(c.Com())
	}
	return n
}
