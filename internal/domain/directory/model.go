package directory

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table. Profiles are maintained outside this
// service; scheduling only reads them.
type Patient struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	Email             string     `json:"email"`
	Phone             *string    `json:"phone,omitempty"`
	DOB               *time.Time `json:"dob,omitempty"`
	Gender            *string    `json:"gender,omitempty"`
	Address           *string    `json:"address,omitempty"`
	EmergencyPerson   *string    `json:"emergency_person,omitempty"`
	EmergencyRelation *string    `json:"emergency_relation,omitempty"`
	EmergencyNumber   *string    `json:"emergency_number,omitempty"`
}

// Doctor maps to the doctor table.
type Doctor struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Phone          *string   `json:"phone,omitempty"`
	Specialization *string   `json:"specialization,omitempty"`
}
