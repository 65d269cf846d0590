package domain

import "time"

// ChangeType 记录变更类型
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// FileSnapshot 变更事件中携带的记录快照
type FileSnapshot struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	FileName      string     `json:"fileName"`
	Status        FileStatus `json:"status"`
	ScheduledDate time.Time  `json:"scheduledDate"`
}

// SnapshotOf 生成记录快照
func SnapshotOf(f *ScheduledFile) *FileSnapshot {
	if f == nil {
		return nil
	}
	return &FileSnapshot{
		ID:            f.ID,
		UserID:        f.UserID,
		FileName:      f.FileName,
		Status:        f.Status,
		ScheduledDate: f.ScheduledDate,
	}
}

// ChangeEvent 记录表的行级变更事件
type ChangeEvent struct {
	Type      ChangeType    `json:"type"`
	UserID    string        `json:"userId"`
	FileID    string        `json:"fileId"`
	Old       *FileSnapshot `json:"old,omitempty"`
	New       *FileSnapshot `json:"new,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewChangeEvent 根据新旧快照构造变更事件
func NewChangeEvent(typ ChangeType, old, current *ScheduledFile, at time.Time) ChangeEvent {
	ev := ChangeEvent{
		Type:      typ,
		Old:       SnapshotOf(old),
		New:       SnapshotOf(current),
		Timestamp: at,
	}
	switch {
	case current != nil:
		ev.UserID, ev.FileID = current.UserID, current.ID
	case old != nil:
		ev.UserID, ev.FileID = old.UserID, old.ID
	}
	return ev
}

// DeliveryOutcome 若事件表示一次投递结果（pending/processing -> sent/failed），返回结果状态
func (e ChangeEvent) DeliveryOutcome() (FileStatus, bool) {
	if e.Type != ChangeUpdate || e.Old == nil || e.New == nil {
		return "", false
	}
	if e.Old.Status != FileStatusPending && e.Old.Status != FileStatusProcessing {
		return "", false
	}
	if e.New.Status != FileStatusSent && e.New.Status != FileStatusFailed {
		return "", false
	}
	return e.New.Status, true
}
