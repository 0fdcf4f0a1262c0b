package models

import "go.mongodb.org/mongo-driver/bson/primitive"

type User struct {
	ID           primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	Name         string              `json:"name" bson:"name"`
	Email        string              `json:"email" bson:"email"`
	Role         string              `json:"role" bson:"role"`
	DepartmentID *primitive.ObjectID `json:"departmentId,omitempty" bson:"department_id,omitempty"`
}

type Department struct {
	ID            primitive.ObjectID   `json:"id" bson:"_id,omitempty"`
	Name          string               `json:"name" bson:"name"`
	ParentID      *primitive.ObjectID  `json:"parentId,omitempty" bson:"parent_id,omitempty"`
	HeadID        *primitive.ObjectID  `json:"headId,omitempty" bson:"head_id,omitempty"`
	SupervisorIDs []primitive.ObjectID `json:"supervisorIds" bson:"supervisor_ids"`
}

// Caller is the authenticated identity attached to a request.
type Caller struct {
	ID           primitive.ObjectID
	Role         string
	DepartmentID primitive.ObjectID
}
