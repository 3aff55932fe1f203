package notes

// CrdtUpdate stores an append-only CRDT update payload. The update log is
// the durable complement to the in-memory automerge replica held by a live
// realtime session: it's what lets a note be reopened (or resynced by a
// client that was offline) without replaying a full edit history from
// nothing. UpdateHash is unique per (user, note) pair so a retried sync
// request is a no-op rather than a duplicate row.
type CrdtUpdate struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_crdt_updates_user_note,priority:1;uniqueIndex:idx_crdt_update_dedupe,priority:1"`
	NoteID           string `gorm:"column:note_id;size:190;not null;index:idx_crdt_updates_user_note,priority:2;uniqueIndex:idx_crdt_update_dedupe,priority:2"`
	UpdateB64        string `gorm:"column:update_b64;type:text;not null"`
	UpdateHash       string `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_crdt_update_dedupe,priority:3"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CrdtUpdate) TableName() string {
	return "note_crdt_updates"
}

// CrdtSnapshot stores a compacted CRDT snapshot per note, so restoring a
// note doesn't require replaying every CrdtUpdate ever recorded for it —
// only those applied after SnapshotUpdateID.
type CrdtSnapshot struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	SnapshotB64      string `gorm:"column:snapshot_b64;type:text;not null"`
	SnapshotUpdateID int64  `gorm:"column:snapshot_update_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CrdtSnapshot) TableName() string {
	return "note_crdt_snapshots"
}
