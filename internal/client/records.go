package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tyemirov/clinicdesk/internal/records"
)

// FindDoctor loads the profile row of subjectID. A missing row wraps
// records.ErrNotFound.
func (client *Client) FindDoctor(ctx context.Context, subjectID string) (records.Doctor, error) {
	var doctor records.Doctor
	if err := client.authorized(ctx, http.MethodGet, "/api/doctors/"+url.PathEscape(subjectID), nil, nil, &doctor); err != nil {
		return records.Doctor{}, fmt.Errorf("client.find_doctor: %w", err)
	}
	return doctor, nil
}

// InsertDoctor creates the profile row of the signed-in subject.
func (client *Client) InsertDoctor(ctx context.Context, doctor records.Doctor) (records.Doctor, error) {
	var created records.Doctor
	if err := client.authorized(ctx, http.MethodPost, "/api/doctors", nil, doctor, &created); err != nil {
		return records.Doctor{}, fmt.Errorf("client.insert_doctor: %w", err)
	}
	return created, nil
}

// UpdateDoctor applies patch to the profile row of subjectID.
func (client *Client) UpdateDoctor(ctx context.Context, subjectID string, patch records.DoctorPatch) (records.Doctor, error) {
	var updated records.Doctor
	if err := client.authorized(ctx, http.MethodPatch, "/api/doctors/"+url.PathEscape(subjectID), nil, patch, &updated); err != nil {
		return records.Doctor{}, fmt.Errorf("client.update_doctor: %w", err)
	}
	return updated, nil
}

// ListPatients returns the practice's patients.
func (client *Client) ListPatients(ctx context.Context, query records.PatientQuery) ([]records.Patient, error) {
	values := url.Values{}
	if query.Search != "" {
		values.Set("search", query.Search)
	}
	if query.OrderBy == records.PatientsByName {
		values.Set("order", "name")
	}
	patients := make([]records.Patient, 0)
	if err := client.authorized(ctx, http.MethodGet, "/api/patients", values, nil, &patients); err != nil {
		return nil, fmt.Errorf("client.list_patients: %w", err)
	}
	return patients, nil
}

// InsertPatient registers a patient; the server assigns the codes.
func (client *Client) InsertPatient(ctx context.Context, patient records.Patient) (records.Patient, error) {
	var created records.Patient
	if err := client.authorized(ctx, http.MethodPost, "/api/patients", nil, patient, &created); err != nil {
		return records.Patient{}, fmt.Errorf("client.insert_patient: %w", err)
	}
	return created, nil
}

// ListPrescriptions returns the signed-in doctor's prescriptions. DoctorID is
// taken from the session by the server.
func (client *Client) ListPrescriptions(ctx context.Context, query records.PrescriptionQuery) ([]records.Prescription, error) {
	values := url.Values{}
	if query.Status != "" {
		values.Set("status", string(query.Status))
	}
	if query.Search != "" {
		values.Set("search", query.Search)
	}
	prescriptions := make([]records.Prescription, 0)
	if err := client.authorized(ctx, http.MethodGet, "/api/prescriptions", values, nil, &prescriptions); err != nil {
		return nil, fmt.Errorf("client.list_prescriptions: %w", err)
	}
	return prescriptions, nil
}

// InsertPrescription issues a prescription in the Pending state.
func (client *Client) InsertPrescription(ctx context.Context, prescription records.Prescription) (records.Prescription, error) {
	body := map[string]any{
		"patient_id":              prescription.PatientID,
		"prescribing_institution": prescription.PrescribingInstitution,
		"prescription_details":    prescription.Details,
	}
	var created records.Prescription
	if err := client.authorized(ctx, http.MethodPost, "/api/prescriptions", nil, body, &created); err != nil {
		return records.Prescription{}, fmt.Errorf("client.insert_prescription: %w", err)
	}
	return created, nil
}

// UpdatePrescriptionStatus moves a prescription to status.
func (client *Client) UpdatePrescriptionStatus(ctx context.Context, prescriptionID string, status records.PrescriptionStatus) (records.Prescription, error) {
	var updated records.Prescription
	path := "/api/prescriptions/" + url.PathEscape(prescriptionID) + "/status"
	if err := client.authorized(ctx, http.MethodPatch, path, nil, map[string]string{"status": string(status)}, &updated); err != nil {
		return records.Prescription{}, fmt.Errorf("client.update_prescription_status: %w", err)
	}
	return updated, nil
}

// Stats returns the dashboard counters of the signed-in doctor.
func (client *Client) Stats(ctx context.Context) (records.DoctorStats, error) {
	var stats records.DoctorStats
	if err := client.authorized(ctx, http.MethodGet, "/api/stats", nil, nil, &stats); err != nil {
		return records.DoctorStats{}, fmt.Errorf("client.stats: %w", err)
	}
	return stats, nil
}
