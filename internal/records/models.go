package records

import (
	"time"
)

// Table names used by the store, the change feed, and the HTTP API.
const (
	TableDoctors       = "doctors"
	TablePatients      = "patients"
	TablePrescriptions = "prescriptions"
)

// Doctor is the practice profile linked one-to-one with an identity subject.
type Doctor struct {
	ID              string    `json:"id" gorm:"column:id;primaryKey"`
	DoctorCode      string    `json:"doctor_code" gorm:"column:doctor_code;uniqueIndex;not null"`
	FullName        string    `json:"full_name" gorm:"column:full_name;not null"`
	Email           string    `json:"email" gorm:"column:email;not null"`
	Phone           string    `json:"phone,omitempty" gorm:"column:phone;not null;default:''"`
	Specialty       string    `json:"specialty,omitempty" gorm:"column:specialty;not null;default:''"`
	WorkingHospital string    `json:"working_hospital,omitempty" gorm:"column:working_hospital;not null;default:''"`
	CreatedAt       time.Time `json:"created_at" gorm:"column:created_at;not null"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"column:updated_at;not null"`
}

func (Doctor) TableName() string {
	return TableDoctors
}

// DoctorPatch carries the editable display attributes of a doctor profile.
// Nil fields are left untouched.
type DoctorPatch struct {
	FullName        *string `json:"full_name,omitempty"`
	Phone           *string `json:"phone,omitempty"`
	Specialty       *string `json:"specialty,omitempty"`
	WorkingHospital *string `json:"working_hospital,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (patch DoctorPatch) Empty() bool {
	return patch.FullName == nil && patch.Phone == nil && patch.Specialty == nil && patch.WorkingHospital == nil
}

func (patch DoctorPatch) columns() map[string]any {
	updates := make(map[string]any, 4)
	if patch.FullName != nil {
		updates["full_name"] = *patch.FullName
	}
	if patch.Phone != nil {
		updates["phone"] = *patch.Phone
	}
	if patch.Specialty != nil {
		updates["specialty"] = *patch.Specialty
	}
	if patch.WorkingHospital != nil {
		updates["working_hospital"] = *patch.WorkingHospital
	}
	return updates
}

// Patient is a registered patient of the practice.
type Patient struct {
	ID              string    `json:"id" gorm:"column:id;primaryKey"`
	PatientCode     string    `json:"patient_id" gorm:"column:patient_id;uniqueIndex;not null"`
	FullName        string    `json:"full_name" gorm:"column:full_name;index;not null"`
	Gender          string    `json:"gender,omitempty" gorm:"column:gender;not null;default:''"`
	DateOfBirth     string    `json:"date_of_birth,omitempty" gorm:"column:date_of_birth;not null;default:''"`
	Phone           string    `json:"phone,omitempty" gorm:"column:phone;not null;default:''"`
	Address         string    `json:"address,omitempty" gorm:"column:address;not null;default:''"`
	WorkingHospital string    `json:"working_hospital,omitempty" gorm:"column:working_hospital;not null;default:''"`
	CreatedAt       time.Time `json:"created_at" gorm:"column:created_at;index;not null"`
}

func (Patient) TableName() string {
	return TablePatients
}

// PrescriptionStatus is the lifecycle state of a prescription.
type PrescriptionStatus string

const (
	StatusPending   PrescriptionStatus = "Pending"
	StatusCompleted PrescriptionStatus = "Completed"
	StatusCancelled PrescriptionStatus = "Cancelled"
)

// Valid reports whether the status is one of the known values.
func (status PrescriptionStatus) Valid() bool {
	switch status {
	case StatusPending, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Medication is one line of a prescription.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
}

// PrescriptionDetails is stored as a JSON document alongside the prescription row.
type PrescriptionDetails struct {
	Medications []Medication `json:"medications,omitempty"`
	Notes       string       `json:"notes,omitempty"`
}

// Prescription is issued by a doctor for a patient.
type Prescription struct {
	ID                     string              `json:"id" gorm:"column:id;primaryKey"`
	PatientID              string              `json:"patient_id" gorm:"column:patient_id;index;not null"`
	DoctorID               string              `json:"doctor_id" gorm:"column:doctor_id;index;not null"`
	PrescribingInstitution string              `json:"prescribing_institution" gorm:"column:prescribing_institution;not null"`
	Status                 PrescriptionStatus  `json:"status" gorm:"column:status;index;not null"`
	Details                PrescriptionDetails `json:"prescription_details" gorm:"column:prescription_details;serializer:json"`
	CreatedAt              time.Time           `json:"created_at" gorm:"column:created_at;index;not null"`
	UpdatedAt              time.Time           `json:"updated_at" gorm:"column:updated_at;not null"`

	Patient *Patient `json:"patient,omitempty" gorm:"foreignKey:PatientID;references:ID"`
}

func (Prescription) TableName() string {
	return TablePrescriptions
}

// DoctorStats summarises the dashboard counters of one doctor.
type DoctorStats struct {
	TotalPrescriptions int64 `json:"total_prescriptions"`
	Pending            int64 `json:"pending"`
	Completed          int64 `json:"completed"`
	Cancelled          int64 `json:"cancelled"`
	Patients           int64 `json:"patients"`
}
