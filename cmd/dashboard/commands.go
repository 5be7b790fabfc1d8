package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tyemirov/clinicdesk/internal/records"
	"github.com/tyemirov/clinicdesk/internal/session"
)

func credentialFlags(command *cobra.Command) {
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password (or CLINICDESK_PASSWORD)")
}

func readCredential(command *cobra.Command) session.Credential {
	email, _ := command.Flags().GetString("email")
	password, _ := command.Flags().GetString("password")
	if password == "" {
		password = viper.GetString("password")
	}
	return session.Credential{Email: email, Password: password}
}

func newSignUpCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and its doctor profile",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			credential := readCredential(command)
			fullName, _ := command.Flags().GetString("full_name")
			phone, _ := command.Flags().GetString("phone")
			specialty, _ := command.Flags().GetString("specialty")
			hospital, _ := command.Flags().GetString("hospital")
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				_, err := current.synchronizer.SignUp(ctx, credential, session.ProfileSeed{
					FullName:        fullName,
					Phone:           phone,
					Specialty:       specialty,
					WorkingHospital: hospital,
				})
				if err != nil && !errors.Is(err, session.ErrPartialSignup) {
					return err
				}
				if flushErr := current.synchronizer.Flush(ctx); flushErr != nil {
					return flushErr
				}
				if renderErr := renderSnapshot(command.OutOrStdout(), current.synchronizer.Snapshot()); renderErr != nil {
					return renderErr
				}
				return err
			})
		},
	}
	credentialFlags(command)
	command.Flags().String("full_name", "", "Doctor's full name")
	command.Flags().String("phone", "", "Contact phone")
	command.Flags().String("specialty", "", "Medical specialty")
	command.Flags().String("hospital", "", "Working hospital")
	return command
}

func newSignInCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			credential := readCredential(command)
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				if err := current.synchronizer.SignIn(ctx, credential); err != nil {
					return err
				}
				if err := current.synchronizer.Flush(ctx); err != nil {
					return err
				}
				return renderSnapshot(command.OutOrStdout(), current.synchronizer.Snapshot())
			})
		},
	}
	credentialFlags(command)
	return command
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				if err := current.synchronizer.SignOut(ctx); err != nil {
					return err
				}
				if err := current.synchronizer.Flush(ctx); err != nil {
					return err
				}
				return renderSnapshot(command.OutOrStdout(), current.synchronizer.Snapshot())
			})
		},
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in doctor",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				return renderSnapshot(command.OutOrStdout(), current.synchronizer.Snapshot())
			})
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the session and profile every time they change",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withDashboard(command, false, func(ctx context.Context, current *dashboard) error {
				out := command.OutOrStdout()
				for {
					changed := current.synchronizer.Changed()
					if err := renderSnapshot(out, current.synchronizer.Snapshot()); err != nil {
						return err
					}
					fmt.Fprintln(out)
					select {
					case <-ctx.Done():
						return nil
					case <-changed:
					}
				}
			})
		},
	}
}

func newProfileCommand() *cobra.Command {
	profile := &cobra.Command{
		Use:   "profile",
		Short: "Doctor profile settings",
	}
	update := &cobra.Command{
		Use:   "update",
		Short: "Change the display attributes of the signed-in doctor",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			patch := records.DoctorPatch{}
			for flagName, target := range map[string]**string{
				"full_name": &patch.FullName,
				"phone":     &patch.Phone,
				"specialty": &patch.Specialty,
				"hospital":  &patch.WorkingHospital,
			} {
				if command.Flags().Changed(flagName) {
					value, _ := command.Flags().GetString(flagName)
					*target = &value
				}
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to update; pass at least one of --full_name, --phone, --specialty, --hospital")
			}
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				subjectID, err := requireSession(current.synchronizer.Snapshot())
				if err != nil {
					return err
				}
				if _, err := current.client.UpdateDoctor(ctx, subjectID, patch); err != nil {
					return err
				}
				snapshot, err := current.synchronizer.Reload(ctx)
				if err != nil {
					return err
				}
				return renderSnapshot(command.OutOrStdout(), snapshot)
			})
		},
	}
	update.Flags().String("full_name", "", "Doctor's full name")
	update.Flags().String("phone", "", "Contact phone")
	update.Flags().String("specialty", "", "Medical specialty")
	update.Flags().String("hospital", "", "Working hospital")
	profile.AddCommand(update)
	return profile
}

func newPatientsCommand() *cobra.Command {
	patients := &cobra.Command{
		Use:   "patients",
		Short: "Registered patients",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List patients, newest first",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			search, _ := command.Flags().GetString("search")
			byName, _ := command.Flags().GetBool("by_name")
			query := records.PatientQuery{Search: search, OrderBy: records.PatientsNewestFirst}
			if byName {
				query.OrderBy = records.PatientsByName
			}
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				if _, err := requireSession(current.synchronizer.Snapshot()); err != nil {
					return err
				}
				listed, err := current.client.ListPatients(ctx, query)
				if err != nil {
					return err
				}
				return renderPatients(command.OutOrStdout(), listed)
			})
		},
	}
	list.Flags().String("search", "", "Filter by name or patient code")
	list.Flags().Bool("by_name", false, "Order by name instead of registration date")

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a patient",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			patient := records.Patient{}
			patient.FullName, _ = command.Flags().GetString("full_name")
			patient.Gender, _ = command.Flags().GetString("gender")
			patient.DateOfBirth, _ = command.Flags().GetString("date_of_birth")
			patient.Phone, _ = command.Flags().GetString("phone")
			patient.Address, _ = command.Flags().GetString("address")
			patient.WorkingHospital, _ = command.Flags().GetString("hospital")
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				snapshot := current.synchronizer.Snapshot()
				if _, err := requireSession(snapshot); err != nil {
					return err
				}
				if patient.WorkingHospital == "" && snapshot.Profile != nil {
					patient.WorkingHospital = snapshot.Profile.WorkingHospital
				}
				created, err := current.client.InsertPatient(ctx, patient)
				if err != nil {
					return err
				}
				return renderPatients(command.OutOrStdout(), []records.Patient{created})
			})
		},
	}
	add.Flags().String("full_name", "", "Patient's full name")
	add.Flags().String("gender", "", "Gender")
	add.Flags().String("date_of_birth", "", "Date of birth (YYYY-MM-DD)")
	add.Flags().String("phone", "", "Contact phone")
	add.Flags().String("address", "", "Home address")
	add.Flags().String("hospital", "", "Registering hospital; defaults to the doctor's")

	patients.AddCommand(list, add)
	return patients
}

// parseMedication reads "name:dosage:frequency"; dosage and frequency are optional.
func parseMedication(value string) (records.Medication, error) {
	parts := strings.SplitN(value, ":", 3)
	medication := records.Medication{Name: strings.TrimSpace(parts[0])}
	if medication.Name == "" {
		return records.Medication{}, fmt.Errorf("medication %q needs a name", value)
	}
	if len(parts) > 1 {
		medication.Dosage = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		medication.Frequency = strings.TrimSpace(parts[2])
	}
	return medication, nil
}

// followPrescriptions re-lists on every change of the doctor's prescriptions
// until ctx ends. Bursts of changes collapse into one listing.
func followPrescriptions(ctx context.Context, out io.Writer, current *dashboard, query records.PrescriptionQuery) error {
	pending := make(chan struct{}, 1)
	subscription := current.client.WatchPrescriptions(func(records.Change) {
		select {
		case pending <- struct{}{}:
		default:
		}
	})
	defer subscription.Release()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pending:
		}
		listed, err := current.client.ListPrescriptions(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := renderPrescriptions(out, listed); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
}

func newPrescriptionsCommand() *cobra.Command {
	prescriptions := &cobra.Command{
		Use:   "prescriptions",
		Short: "Prescriptions issued by the signed-in doctor",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List prescriptions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			status, _ := command.Flags().GetString("status")
			search, _ := command.Flags().GetString("search")
			follow, _ := command.Flags().GetBool("follow")
			query := records.PrescriptionQuery{Status: records.PrescriptionStatus(status), Search: search}
			return withDashboard(command, !follow, func(ctx context.Context, current *dashboard) error {
				if _, err := requireSession(current.synchronizer.Snapshot()); err != nil {
					return err
				}
				if follow {
					return followPrescriptions(ctx, command.OutOrStdout(), current, query)
				}
				listed, err := current.client.ListPrescriptions(ctx, query)
				if err != nil {
					return err
				}
				return renderPrescriptions(command.OutOrStdout(), listed)
			})
		},
	}
	list.Flags().String("status", "", "Pending, Completed or Cancelled")
	list.Flags().String("search", "", "Filter by patient name, patient code or institution")
	list.Flags().Bool("follow", false, "Keep running and re-list whenever a prescription changes")

	add := &cobra.Command{
		Use:   "add",
		Short: "Issue a prescription",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			patientID, _ := command.Flags().GetString("patient_id")
			institution, _ := command.Flags().GetString("institution")
			notes, _ := command.Flags().GetString("notes")
			rawMedications, _ := command.Flags().GetStringArray("medication")
			details := records.PrescriptionDetails{Notes: notes}
			for _, raw := range rawMedications {
				medication, err := parseMedication(raw)
				if err != nil {
					return err
				}
				details.Medications = append(details.Medications, medication)
			}
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				snapshot := current.synchronizer.Snapshot()
				if _, err := requireSession(snapshot); err != nil {
					return err
				}
				if institution == "" && snapshot.Profile != nil {
					institution = snapshot.Profile.WorkingHospital
				}
				created, err := current.client.InsertPrescription(ctx, records.Prescription{
					PatientID:              patientID,
					PrescribingInstitution: institution,
					Details:                details,
				})
				if err != nil {
					return err
				}
				return renderPrescriptions(command.OutOrStdout(), []records.Prescription{created})
			})
		},
	}
	add.Flags().String("patient_id", "", "Patient row id")
	add.Flags().String("institution", "", "Prescribing institution; defaults to the doctor's hospital")
	add.Flags().StringArray("medication", nil, "Medication as name:dosage:frequency (repeatable)")
	add.Flags().String("notes", "", "Free-form notes")

	status := &cobra.Command{
		Use:   "status <prescription-id> <Pending|Completed|Cancelled>",
		Short: "Change the status of a prescription",
		Args:  cobra.ExactArgs(2),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				if _, err := requireSession(current.synchronizer.Snapshot()); err != nil {
					return err
				}
				updated, err := current.client.UpdatePrescriptionStatus(ctx, arguments[0], records.PrescriptionStatus(arguments[1]))
				if err != nil {
					return err
				}
				return renderPrescriptions(command.OutOrStdout(), []records.Prescription{updated})
			})
		},
	}

	prescriptions.AddCommand(list, add, status)
	return prescriptions
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dashboard counters of the signed-in doctor",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withDashboard(command, true, func(ctx context.Context, current *dashboard) error {
				if _, err := requireSession(current.synchronizer.Snapshot()); err != nil {
					return err
				}
				stats, err := current.client.Stats(ctx)
				if err != nil {
					return err
				}
				return renderStats(command.OutOrStdout(), stats)
			})
		},
	}
}
