package domain

// TaskPatch names the task fields a mutation wants to change. Nil fields are
// left untouched by Apply and excluded from Fields.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	OrderIndex  *int      `json:"orderIndex,omitempty"`
	ParentID    *string   `json:"parentId,omitempty"`
	Type        *TaskType `json:"type,omitempty"`
	// Assignees is accepted on the wire for local display but is a joined
	// field: it never appears in Fields.
	Assignees []string `json:"assignees,omitempty"`
}

// IsZero reports whether the patch names no fields at all.
func (p TaskPatch) IsZero() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.OrderIndex == nil && p.ParentID == nil && p.Type == nil && p.Assignees == nil
}

// Apply merges the patch into the task.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.OrderIndex != nil {
		t.OrderIndex = *p.OrderIndex
	}
	if p.ParentID != nil {
		t.ParentID = *p.ParentID
	}
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Assignees != nil {
		t.Assignees = append([]string(nil), p.Assignees...)
	}
}

// Fields returns the raw persisted columns the patch changes, keyed by the
// gateway column name. Joined fields are omitted.
func (p TaskPatch) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Title != nil {
		fields["Title"] = *p.Title
	}
	if p.Description != nil {
		fields["Description"] = *p.Description
	}
	if p.Status != nil {
		fields["Status"] = string(*p.Status)
	}
	if p.OrderIndex != nil {
		fields["OrderIndex"] = *p.OrderIndex
	}
	if p.ParentID != nil {
		fields["ParentID"] = *p.ParentID
	}
	if p.Type != nil {
		fields["Type"] = string(*p.Type)
	}
	return fields
}
