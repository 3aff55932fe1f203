package notes

import "time"

// reconcileNoteChange applies last-writer-wins-with-edit-seq-tiebreak
// conflict resolution: a change is accepted when its client edit sequence
// number is ahead of what the server last saw, or on a tie when its
// client-reported update time is newer (or exactly equal, in which case the
// incoming change still wins so retries of an already-applied change are
// idempotent).
func reconcileNoteChange(existing *Note, change ChangeEnvelope, appliedAt time.Time) (ConflictOutcome, error) {
	stored := baselineNote(existing, change)
	serverEditSeq := stored.LastWriterEditSeq
	serverUpdatedAt := stored.UpdatedAtSeconds
	clientEditSeq := change.ClientEditSeq()
	clientUpdatedAt := change.UpdatedAt().Int64()

	if !changeIsAccepted(existing, clientEditSeq, serverEditSeq, clientUpdatedAt, serverUpdatedAt) {
		rejected := stored
		return ConflictOutcome{Accepted: false, UpdatedNote: &rejected}, nil
	}

	updated := applyChange(stored, change, appliedAt)
	audit := buildAuditRecord(updated, stored.Version, change, appliedAt, clientEditSeq, serverEditSeq)

	return ConflictOutcome{
		Accepted:    true,
		UpdatedNote: &updated,
		AuditRecord: audit,
	}, nil
}

// baselineNote returns the row a change is reconciled against: the existing
// note when one is stored, otherwise a zero-value placeholder seeded with
// the change's own identifiers and creation time.
func baselineNote(existing *Note, change ChangeEnvelope) Note {
	if existing != nil {
		return *existing
	}
	return Note{
		UserID:           change.UserID().String(),
		NoteID:           change.NoteID().String(),
		CreatedAtSeconds: change.CreatedAt().Int64(),
	}
}

// changeIsAccepted decides acceptance from edit-sequence ordering, falling
// back to update-time comparison on an edit-sequence tie.
func changeIsAccepted(existing *Note, clientEditSeq, serverEditSeq, clientUpdatedAt, serverUpdatedAt int64) bool {
	switch {
	case existing == nil:
		return true
	case clientEditSeq > serverEditSeq:
		return true
	case clientEditSeq < serverEditSeq:
		return false
	case clientUpdatedAt > serverUpdatedAt:
		return true
	case clientUpdatedAt < serverUpdatedAt:
		return false
	default:
		return true
	}
}

// applyChange folds an accepted change onto the baseline row, producing the
// note as it should read after this write.
func applyChange(stored Note, change ChangeEnvelope, appliedAt time.Time) Note {
	updated := stored
	clientUpdatedAt := change.UpdatedAt().Int64()
	serverUpdatedAt := stored.UpdatedAtSeconds

	if updated.CreatedAtSeconds == 0 {
		switch {
		case change.CreatedAt().Int64() > 0:
			updated.CreatedAtSeconds = change.CreatedAt().Int64()
		case change.UpdatedAt().Int64() > 0:
			updated.CreatedAtSeconds = change.UpdatedAt().Int64()
		default:
			updated.CreatedAtSeconds = appliedAt.Unix()
		}
	}

	updated.LastWriterDevice = change.ClientDevice()
	updated.LastWriterEditSeq = change.ClientEditSeq()

	if change.Operation() == OperationTypeDelete || change.IsDeleted() {
		updated.IsDeleted = true
	} else {
		updated.IsDeleted = false
		updated.PayloadJSON = change.Payload()
	}

	if change.Operation() == OperationTypeDelete && change.Payload() == "" {
		updated.PayloadJSON = stored.PayloadJSON
	} else if change.Payload() != "" {
		updated.PayloadJSON = change.Payload()
	}

	if clientUpdatedAt > serverUpdatedAt {
		updated.UpdatedAtSeconds = clientUpdatedAt
	} else {
		updated.UpdatedAtSeconds = serverUpdatedAt
		if updated.UpdatedAtSeconds == 0 {
			updated.UpdatedAtSeconds = appliedAt.Unix()
		}
	}

	if updated.UpdatedAtSeconds < updated.CreatedAtSeconds {
		updated.CreatedAtSeconds = updated.UpdatedAtSeconds
	}

	nextVersion := stored.Version + 1
	if nextVersion <= 0 {
		nextVersion = 1
	}
	updated.Version = nextVersion

	return updated
}

// buildAuditRecord builds the append-only NoteChange row for an accepted
// change, recording the version transition for later inspection.
func buildAuditRecord(updated Note, prevVersion int64, change ChangeEnvelope, appliedAt time.Time, clientEditSeq, serverEditSeq int64) *NoteChange {
	audit := &NoteChange{
		UserID:            updated.UserID,
		NoteID:            updated.NoteID,
		AppliedAtSeconds:  appliedAt.Unix(),
		ClientDevice:      change.ClientDevice(),
		ClientTimeSeconds: change.ClientTimestamp().Int64(),
		Operation:         change.Operation(),
		PayloadJSON:       updated.PayloadJSON,
		ClientEditSeq:     clientEditSeq,
		ServerEditSeqSeen: serverEditSeq,
		NewVersion:        int64Ptr(updated.Version),
	}
	if prevVersion > 0 {
		audit.PreviousVersion = int64Ptr(prevVersion)
	}
	return audit
}

func int64Ptr(value int64) *int64 {
	v := value
	return &v
}
