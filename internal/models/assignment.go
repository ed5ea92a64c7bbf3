package models

import "time"

// Assignment grants a non-admin user authority over one resource (an event).
// At most one document exists per (SubjectID, ResourceID).
type Assignment struct {
	ID         string    `bson:"_id,omitempty" json:"id"`
	SubjectID  string    `bson:"subjectId" json:"subjectId"`
	ResourceID string    `bson:"resourceId" json:"resourceId"`
	AssignedBy string    `bson:"assignedBy" json:"assignedBy"`
	AssignedAt time.Time `bson:"assignedAt" json:"assignedAt"`
}
