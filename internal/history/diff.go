package history

import (
	"context"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
)

// DocumentStore is the slice of the document session core the history
// readers need: current content for rewinding, and writes for restores.
type DocumentStore interface {
	GetDoc(ctx context.Context, projectID, docID string) (content string, version int64, err error)
	SetDoc(ctx context.Context, projectID, docID, content, source, userID string) error
}

// DiffManager produces diffs between two versions of a document by
// rewinding the live content to the older version and replaying history
// forward over it.
type DiffManager struct {
	updates *UpdatesManager
	docs    DocumentStore
}

func NewDiffManager(updates *UpdatesManager, docs DocumentStore) *DiffManager {
	return &DiffManager{updates: updates, docs: docs}
}

// GetDiff returns the diff of a document between versions from and to.
func (d *DiffManager) GetDiff(ctx context.Context, projectID, docID string, from, to int64) ([]DiffPart, error) {
	startContent, err := d.GetDocumentBeforeVersion(ctx, projectID, docID, from)
	if err != nil {
		return nil, err
	}
	updates, err := d.updates.GetDocUpdates(ctx, projectID, docID, from, to)
	if err != nil {
		return nil, err
	}
	return BuildDiff(startContent, ascending(updates))
}

// GetDocumentBeforeVersion returns the content of a document as it was
// just before the given version was applied. The live content can move
// between reading it and reading the updates; that race shows up as a
// consistency error on rewind, so one retry is allowed.
func (d *DiffManager) GetDocumentBeforeVersion(ctx context.Context, projectID, docID string, version int64) (string, error) {
	content, err := d.documentBeforeVersion(ctx, projectID, docID, version)
	if apperr.Is(err, apperr.Consistency) {
		return d.documentBeforeVersion(ctx, projectID, docID, version)
	}
	return content, err
}

func (d *DiffManager) documentBeforeVersion(ctx context.Context, projectID, docID string, version int64) (string, error) {
	content, _, err := d.docs.GetDoc(ctx, projectID, docID)
	if err != nil {
		return "", err
	}
	updates, err := d.updates.GetDocUpdates(ctx, projectID, docID, version, -1)
	if err != nil {
		return "", err
	}
	return RewindUpdates(content, ascending(updates))
}

// ascending reverses the newest-first order the pack reads return into
// the oldest-first order the rewind and diff builders expect.
func ascending(updates []sharedoc.Update) []sharedoc.Update {
	out := make([]sharedoc.Update, len(updates))
	for i := range updates {
		out[len(updates)-1-i] = updates[i]
	}
	return out
}
