package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that no row matched the lookup.
	ErrNotFound = errors.New("records.not_found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("records.conflict")
	// ErrInvalid indicates that the supplied row failed validation.
	ErrInvalid = errors.New("records.invalid")
)

const patientCodeAttempts = 3

// PatientOrder selects the ordering of patient listings.
type PatientOrder string

const (
	PatientsNewestFirst PatientOrder = "created_at"
	PatientsByName      PatientOrder = "full_name"
)

// PatientQuery filters patient listings.
type PatientQuery struct {
	Search  string
	OrderBy PatientOrder
}

// PrescriptionQuery filters prescription listings of one doctor.
type PrescriptionQuery struct {
	DoctorID string
	Status   PrescriptionStatus
	Search   string
}

// Store reads and writes the practice tables and announces every write on
// the change feed.
type Store struct {
	db        *gorm.DB
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewStore migrates the practice tables and returns a store bound to db.
// A nil publisher disables change announcements.
func NewStore(ctx context.Context, db *gorm.DB, publisher Publisher, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("records.new_store: %w", ErrInvalid)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if migrateErr := db.WithContext(ctx).AutoMigrate(&Doctor{}, &Patient{}, &Prescription{}); migrateErr != nil {
		return nil, fmt.Errorf("records.migrate: %w", migrateErr)
	}
	return &Store{
		db:        db,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// FindDoctor returns the doctor profile keyed by the identity subject.
func (store *Store) FindDoctor(ctx context.Context, doctorID string) (Doctor, error) {
	if strings.TrimSpace(doctorID) == "" {
		return Doctor{}, fmt.Errorf("records.find_doctor: %w", ErrNotFound)
	}
	var doctor Doctor
	if err := store.db.WithContext(ctx).Where("id = ?", doctorID).Take(&doctor).Error; err != nil {
		return Doctor{}, fmt.Errorf("records.find_doctor: %w", translateError(err))
	}
	return doctor, nil
}

// InsertDoctor creates a doctor profile. A missing doctor code is generated.
func (store *Store) InsertDoctor(ctx context.Context, doctor Doctor) (Doctor, error) {
	doctor.ID = strings.TrimSpace(doctor.ID)
	doctor.Email = strings.TrimSpace(doctor.Email)
	doctor.FullName = strings.TrimSpace(doctor.FullName)
	if doctor.ID == "" || doctor.Email == "" || doctor.FullName == "" {
		return Doctor{}, fmt.Errorf("records.insert_doctor: id, email and full_name are required: %w", ErrInvalid)
	}
	if doctor.DoctorCode == "" {
		code, codeErr := GenerateDoctorCode()
		if codeErr != nil {
			return Doctor{}, codeErr
		}
		doctor.DoctorCode = code
	}
	now := store.now()
	if doctor.CreatedAt.IsZero() {
		doctor.CreatedAt = now
	}
	doctor.UpdatedAt = now
	if err := store.db.WithContext(ctx).Create(&doctor).Error; err != nil {
		return Doctor{}, fmt.Errorf("records.insert_doctor: %w", translateError(err))
	}
	store.announce(ctx, Change{Table: TableDoctors, Operation: OperationInsert, RowID: doctor.ID, DoctorID: doctor.ID})
	return doctor, nil
}

// UpdateDoctor applies a patch to the doctor's display attributes.
func (store *Store) UpdateDoctor(ctx context.Context, doctorID string, patch DoctorPatch) (Doctor, error) {
	if patch.Empty() {
		return Doctor{}, fmt.Errorf("records.update_doctor: empty patch: %w", ErrInvalid)
	}
	if patch.FullName != nil && strings.TrimSpace(*patch.FullName) == "" {
		return Doctor{}, fmt.Errorf("records.update_doctor: full_name must not be blank: %w", ErrInvalid)
	}
	updates := patch.columns()
	updates["updated_at"] = store.now()
	result := store.db.WithContext(ctx).Model(&Doctor{}).Where("id = ?", doctorID).Updates(updates)
	if result.Error != nil {
		return Doctor{}, fmt.Errorf("records.update_doctor: %w", translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return Doctor{}, fmt.Errorf("records.update_doctor: %w", ErrNotFound)
	}
	store.announce(ctx, Change{Table: TableDoctors, Operation: OperationUpdate, RowID: doctorID, DoctorID: doctorID})
	return store.FindDoctor(ctx, doctorID)
}

// DeleteDoctor removes a doctor profile. Prescriptions keep their doctor_id.
func (store *Store) DeleteDoctor(ctx context.Context, doctorID string) error {
	result := store.db.WithContext(ctx).Where("id = ?", doctorID).Delete(&Doctor{})
	if result.Error != nil {
		return fmt.Errorf("records.delete_doctor: %w", translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("records.delete_doctor: %w", ErrNotFound)
	}
	store.announce(ctx, Change{Table: TableDoctors, Operation: OperationDelete, RowID: doctorID, DoctorID: doctorID})
	return nil
}

// ListPatients returns patients matching the query.
func (store *Store) ListPatients(ctx context.Context, query PatientQuery) ([]Patient, error) {
	statement := store.db.WithContext(ctx).Model(&Patient{})
	if search := strings.ToLower(strings.TrimSpace(query.Search)); search != "" {
		pattern := "%" + search + "%"
		statement = statement.Where("LOWER(full_name) LIKE ? OR LOWER(patient_id) LIKE ?", pattern, pattern)
	}
	switch query.OrderBy {
	case PatientsByName:
		statement = statement.Order("full_name ASC")
	default:
		statement = statement.Order("created_at DESC")
	}
	patients := make([]Patient, 0)
	if err := statement.Find(&patients).Error; err != nil {
		return nil, fmt.Errorf("records.list_patients: %w", translateError(err))
	}
	return patients, nil
}

// FindPatient returns a patient by row id.
func (store *Store) FindPatient(ctx context.Context, patientID string) (Patient, error) {
	var patient Patient
	if err := store.db.WithContext(ctx).Where("id = ?", patientID).Take(&patient).Error; err != nil {
		return Patient{}, fmt.Errorf("records.find_patient: %w", translateError(err))
	}
	return patient, nil
}

// InsertPatient registers a patient and assigns the row id and patient code.
func (store *Store) InsertPatient(ctx context.Context, patient Patient) (Patient, error) {
	patient.FullName = strings.TrimSpace(patient.FullName)
	if patient.FullName == "" {
		return Patient{}, fmt.Errorf("records.insert_patient: full_name is required: %w", ErrInvalid)
	}
	patient.ID = uuid.NewString()
	now := store.now()
	patient.CreatedAt = now

	var insertErr error
	for attempt := 0; attempt < patientCodeAttempts; attempt++ {
		patient.PatientCode = GeneratePatientCode(now.Add(time.Duration(attempt) * time.Millisecond))
		insertErr = translateError(store.db.WithContext(ctx).Create(&patient).Error)
		if insertErr == nil {
			store.announce(ctx, Change{Table: TablePatients, Operation: OperationInsert, RowID: patient.ID})
			return patient, nil
		}
		if !errors.Is(insertErr, ErrConflict) {
			break
		}
	}
	return Patient{}, fmt.Errorf("records.insert_patient: %w", insertErr)
}

// ListPrescriptions returns a doctor's prescriptions, newest first, with the
// patient joined.
func (store *Store) ListPrescriptions(ctx context.Context, query PrescriptionQuery) ([]Prescription, error) {
	if strings.TrimSpace(query.DoctorID) == "" {
		return nil, fmt.Errorf("records.list_prescriptions: doctor_id is required: %w", ErrInvalid)
	}
	statement := store.db.WithContext(ctx).Model(&Prescription{}).
		Preload("Patient").
		Where("prescriptions.doctor_id = ?", query.DoctorID)
	if query.Status != "" {
		if !query.Status.Valid() {
			return nil, fmt.Errorf("records.list_prescriptions: unknown status %q: %w", query.Status, ErrInvalid)
		}
		statement = statement.Where("prescriptions.status = ?", query.Status)
	}
	if search := strings.ToLower(strings.TrimSpace(query.Search)); search != "" {
		pattern := "%" + search + "%"
		statement = statement.
			Joins("LEFT JOIN patients ON patients.id = prescriptions.patient_id").
			Where("LOWER(patients.full_name) LIKE ? OR LOWER(patients.patient_id) LIKE ? OR LOWER(prescriptions.prescribing_institution) LIKE ?", pattern, pattern, pattern)
	}
	prescriptions := make([]Prescription, 0)
	if err := statement.Order("prescriptions.created_at DESC").Find(&prescriptions).Error; err != nil {
		return nil, fmt.Errorf("records.list_prescriptions: %w", translateError(err))
	}
	return prescriptions, nil
}

// InsertPrescription issues a new prescription in the Pending state.
func (store *Store) InsertPrescription(ctx context.Context, prescription Prescription) (Prescription, error) {
	prescription.PrescribingInstitution = strings.TrimSpace(prescription.PrescribingInstitution)
	if prescription.DoctorID == "" || prescription.PatientID == "" || prescription.PrescribingInstitution == "" {
		return Prescription{}, fmt.Errorf("records.insert_prescription: doctor_id, patient_id and prescribing_institution are required: %w", ErrInvalid)
	}
	patient, patientErr := store.FindPatient(ctx, prescription.PatientID)
	if patientErr != nil {
		if errors.Is(patientErr, ErrNotFound) {
			return Prescription{}, fmt.Errorf("records.insert_prescription: unknown patient: %w", ErrInvalid)
		}
		return Prescription{}, patientErr
	}
	now := store.now()
	prescription.ID = uuid.NewString()
	prescription.Status = StatusPending
	prescription.CreatedAt = now
	prescription.UpdatedAt = now
	prescription.Patient = nil
	if err := store.db.WithContext(ctx).Omit("Patient").Create(&prescription).Error; err != nil {
		return Prescription{}, fmt.Errorf("records.insert_prescription: %w", translateError(err))
	}
	prescription.Patient = &patient
	store.announce(ctx, Change{Table: TablePrescriptions, Operation: OperationInsert, RowID: prescription.ID, DoctorID: prescription.DoctorID})
	return prescription, nil
}

// UpdatePrescriptionStatus moves one of the doctor's prescriptions to status.
func (store *Store) UpdatePrescriptionStatus(ctx context.Context, doctorID string, prescriptionID string, status PrescriptionStatus) (Prescription, error) {
	if !status.Valid() {
		return Prescription{}, fmt.Errorf("records.update_prescription_status: unknown status %q: %w", status, ErrInvalid)
	}
	result := store.db.WithContext(ctx).Model(&Prescription{}).
		Where("id = ? AND doctor_id = ?", prescriptionID, doctorID).
		Updates(map[string]any{"status": status, "updated_at": store.now()})
	if result.Error != nil {
		return Prescription{}, fmt.Errorf("records.update_prescription_status: %w", translateError(result.Error))
	}
	if result.RowsAffected == 0 {
		return Prescription{}, fmt.Errorf("records.update_prescription_status: %w", ErrNotFound)
	}
	store.announce(ctx, Change{Table: TablePrescriptions, Operation: OperationUpdate, RowID: prescriptionID, DoctorID: doctorID})

	var prescription Prescription
	if err := store.db.WithContext(ctx).Preload("Patient").Where("id = ?", prescriptionID).Take(&prescription).Error; err != nil {
		return Prescription{}, fmt.Errorf("records.update_prescription_status: %w", translateError(err))
	}
	return prescription, nil
}

// DoctorStats counts the doctor's prescriptions per status and the registered patients.
func (store *Store) DoctorStats(ctx context.Context, doctorID string) (DoctorStats, error) {
	var rows []struct {
		Status PrescriptionStatus
		Total  int64
	}
	err := store.db.WithContext(ctx).Model(&Prescription{}).
		Select("status, COUNT(*) AS total").
		Where("doctor_id = ?", doctorID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return DoctorStats{}, fmt.Errorf("records.doctor_stats: %w", translateError(err))
	}
	var stats DoctorStats
	for _, row := range rows {
		stats.TotalPrescriptions += row.Total
		switch row.Status {
		case StatusPending:
			stats.Pending = row.Total
		case StatusCompleted:
			stats.Completed = row.Total
		case StatusCancelled:
			stats.Cancelled = row.Total
		}
	}
	if err := store.db.WithContext(ctx).Model(&Patient{}).Count(&stats.Patients).Error; err != nil {
		return DoctorStats{}, fmt.Errorf("records.doctor_stats: %w", translateError(err))
	}
	return stats, nil
}

func (store *Store) announce(ctx context.Context, change Change) {
	if store.publisher == nil {
		return
	}
	change.At = store.now()
	if err := store.publisher.Publish(ctx, change); err != nil {
		store.logger.Warn("change announcement failed",
			zap.String("code", "records.change.publish_failed"),
			zap.String("table", change.Table),
			zap.String("row_id", change.RowID),
			zap.Error(err))
	}
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	case strings.Contains(strings.ToLower(err.Error()), "unique constraint"):
		return ErrConflict
	default:
		return err
	}
}
