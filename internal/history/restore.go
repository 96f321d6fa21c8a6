package history

import "context"

// RestoreManager rewrites a document back to an earlier version. The write
// goes through the document session core as a normal external edit, so the
// restore itself appears in history and can be undone.
type RestoreManager struct {
	diff *DiffManager
	docs DocumentStore
}

func NewRestoreManager(diff *DiffManager, docs DocumentStore) *RestoreManager {
	return &RestoreManager{diff: diff, docs: docs}
}

// RestoreToBeforeVersion sets the document content to what it was before
// the given version.
func (r *RestoreManager) RestoreToBeforeVersion(ctx context.Context, projectID, docID string, version int64, userID string) error {
	content, err := r.diff.GetDocumentBeforeVersion(ctx, projectID, docID, version)
	if err != nil {
		return err
	}
	return r.docs.SetDoc(ctx, projectID, docID, content, "restore", userID)
}
