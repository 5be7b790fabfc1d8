package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/tyemirov/clinicdesk/internal/records"
	"github.com/tyemirov/clinicdesk/internal/session"
)

const profileMissingPlaceholder = "profile not found"

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func valueOrDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func renderSnapshot(out io.Writer, snapshot session.Snapshot) error {
	table := newTable(out)
	fmt.Fprintf(table, "state\t%s\n", snapshot.State())
	if snapshot.Session != nil {
		fmt.Fprintf(table, "subject\t%s\n", snapshot.Session.SubjectID)
		fmt.Fprintf(table, "email\t%s\n", valueOrDash(snapshot.Session.Email))
	}
	switch {
	case snapshot.Profile != nil:
		profile := snapshot.Profile
		fmt.Fprintf(table, "doctor\t%s\n", profile.FullName)
		fmt.Fprintf(table, "doctor code\t%s\n", profile.DoctorCode)
		fmt.Fprintf(table, "specialty\t%s\n", valueOrDash(profile.Specialty))
		fmt.Fprintf(table, "hospital\t%s\n", valueOrDash(profile.WorkingHospital))
		fmt.Fprintf(table, "phone\t%s\n", valueOrDash(profile.Phone))
	case snapshot.Session != nil && !snapshot.Loading:
		fmt.Fprintf(table, "doctor\t%s\n", profileMissingPlaceholder)
	}
	if snapshot.LastError != nil {
		fmt.Fprintf(table, "last error\t%v\n", snapshot.LastError)
	}
	return table.Flush()
}

func renderPatients(out io.Writer, patients []records.Patient) error {
	if len(patients) == 0 {
		_, err := fmt.Fprintln(out, "no patients")
		return err
	}
	table := newTable(out)
	fmt.Fprintln(table, "ID\tPATIENT\tNAME\tGENDER\tBORN\tPHONE\tREGISTERED")
	for _, patient := range patients {
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			patient.ID,
			patient.PatientCode,
			patient.FullName,
			valueOrDash(patient.Gender),
			valueOrDash(patient.DateOfBirth),
			valueOrDash(patient.Phone),
			patient.CreatedAt.Format("2006-01-02"))
	}
	return table.Flush()
}

func renderPrescriptions(out io.Writer, prescriptions []records.Prescription) error {
	if len(prescriptions) == 0 {
		_, err := fmt.Fprintln(out, "no prescriptions")
		return err
	}
	table := newTable(out)
	fmt.Fprintln(table, "ID\tPATIENT\tINSTITUTION\tSTATUS\tMEDICATIONS\tISSUED")
	for _, prescription := range prescriptions {
		patientName := "-"
		if prescription.Patient != nil {
			patientName = prescription.Patient.FullName
		}
		medications := make([]string, 0, len(prescription.Details.Medications))
		for _, medication := range prescription.Details.Medications {
			medications = append(medications, strings.TrimSpace(medication.Name+" "+medication.Dosage))
		}
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\t%s\n",
			prescription.ID,
			patientName,
			prescription.PrescribingInstitution,
			prescription.Status,
			valueOrDash(strings.Join(medications, ", ")),
			prescription.CreatedAt.Format("2006-01-02"))
	}
	return table.Flush()
}

func renderStats(out io.Writer, stats records.DoctorStats) error {
	table := newTable(out)
	fmt.Fprintf(table, "prescriptions\t%d\n", stats.TotalPrescriptions)
	fmt.Fprintf(table, "pending\t%d\n", stats.Pending)
	fmt.Fprintf(table, "completed\t%d\n", stats.Completed)
	fmt.Fprintf(table, "cancelled\t%d\n", stats.Cancelled)
	fmt.Fprintf(table, "patients\t%d\n", stats.Patients)
	return table.Flush()
}
