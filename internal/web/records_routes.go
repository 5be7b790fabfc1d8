package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/clinicdesk/internal/authkit"
	"github.com/tyemirov/clinicdesk/internal/records"
)

type recordsHandlers struct {
	store  *records.Store
	logger *zap.Logger
}

type doctorRequest struct {
	ID              string `json:"id"`
	DoctorCode      string `json:"doctor_code"`
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Specialty       string `json:"specialty"`
	WorkingHospital string `json:"working_hospital"`
}

type patientRequest struct {
	FullName        string `json:"full_name"`
	Gender          string `json:"gender"`
	DateOfBirth     string `json:"date_of_birth"`
	Phone           string `json:"phone"`
	Address         string `json:"address"`
	WorkingHospital string `json:"working_hospital"`
}

type prescriptionRequest struct {
	PatientID              string                      `json:"patient_id"`
	PrescribingInstitution string                      `json:"prescribing_institution"`
	Details                records.PrescriptionDetails `json:"prescription_details"`
}

type statusRequest struct {
	Status records.PrescriptionStatus `json:"status"`
}

func mountRecordsRoutes(router gin.IRouter, handlers *recordsHandlers) {
	router.GET("/doctors", handlers.findDoctor)
	router.GET("/doctors/:id", handlers.findDoctor)
	router.POST("/doctors", handlers.insertDoctor)
	router.PATCH("/doctors/:id", handlers.updateDoctor)
	router.DELETE("/doctors/:id", handlers.deleteDoctor)
	router.GET("/patients", handlers.listPatients)
	router.POST("/patients", handlers.insertPatient)
	router.GET("/prescriptions", handlers.listPrescriptions)
	router.POST("/prescriptions", handlers.insertPrescription)
	router.PATCH("/prescriptions/:id/status", handlers.updatePrescriptionStatus)
	router.GET("/stats", handlers.stats)
}

// requireOwner enforces the row rule of the doctors table: a subject only
// sees and edits its own row.
func requireOwner(contextGin *gin.Context) (string, bool) {
	subjectID, ok := authkit.SubjectFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return "", false
	}
	if rowID := contextGin.Param("id"); rowID != "" && rowID != subjectID {
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return subjectID, true
}

func (handlers *recordsHandlers) findDoctor(contextGin *gin.Context) {
	subjectID, ok := requireOwner(contextGin)
	if !ok {
		return
	}
	doctor, err := handlers.store.FindDoctor(contextGin.Request.Context(), subjectID)
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, doctor)
}

func (handlers *recordsHandlers) insertDoctor(contextGin *gin.Context) {
	subjectID, ok := requireOwner(contextGin)
	if !ok {
		return
	}
	var inbound doctorRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if inbound.ID != "" && inbound.ID != subjectID {
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	doctor, err := handlers.store.InsertDoctor(contextGin.Request.Context(), records.Doctor{
		ID:              subjectID,
		DoctorCode:      strings.TrimSpace(inbound.DoctorCode),
		FullName:        inbound.FullName,
		Email:           inbound.Email,
		Phone:           strings.TrimSpace(inbound.Phone),
		Specialty:       strings.TrimSpace(inbound.Specialty),
		WorkingHospital: strings.TrimSpace(inbound.WorkingHospital),
	})
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusCreated, doctor)
}

func (handlers *recordsHandlers) updateDoctor(contextGin *gin.Context) {
	subjectID, ok := requireOwner(contextGin)
	if !ok {
		return
	}
	var patch records.DoctorPatch
	if err := contextGin.ShouldBindJSON(&patch); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	doctor, err := handlers.store.UpdateDoctor(contextGin.Request.Context(), subjectID, patch)
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, doctor)
}

func (handlers *recordsHandlers) deleteDoctor(contextGin *gin.Context) {
	subjectID, ok := requireOwner(contextGin)
	if !ok {
		return
	}
	if err := handlers.store.DeleteDoctor(contextGin.Request.Context(), subjectID); err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handlers *recordsHandlers) listPatients(contextGin *gin.Context) {
	order := records.PatientsNewestFirst
	if contextGin.Query("order") == "name" {
		order = records.PatientsByName
	}
	patients, err := handlers.store.ListPatients(contextGin.Request.Context(), records.PatientQuery{
		Search:  contextGin.Query("search"),
		OrderBy: order,
	})
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, patients)
}

func (handlers *recordsHandlers) insertPatient(contextGin *gin.Context) {
	var inbound patientRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	patient, err := handlers.store.InsertPatient(contextGin.Request.Context(), records.Patient{
		FullName:        inbound.FullName,
		Gender:          strings.TrimSpace(inbound.Gender),
		DateOfBirth:     strings.TrimSpace(inbound.DateOfBirth),
		Phone:           strings.TrimSpace(inbound.Phone),
		Address:         strings.TrimSpace(inbound.Address),
		WorkingHospital: strings.TrimSpace(inbound.WorkingHospital),
	})
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusCreated, patient)
}

func (handlers *recordsHandlers) listPrescriptions(contextGin *gin.Context) {
	subjectID, ok := requireOwner(contextGin)
	if !ok {
		return
	}
	prescriptions, err := handlers.store.ListPrescriptions(contextGin.Request.Context(), records.PrescriptionQuery{
		DoctorID: subjectID,
		Status:   records.PrescriptionStatus(contextGin.Query("status")),
		Search:   contextGin.Query("search"),
	})
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, prescriptions)
}

func (handlers *recordsHandlers) insertPrescription(contextGin *gin.Context) {
	subjectID, ok := requireOwner(contextGin)
	if !ok {
		return
	}
	var inbound prescriptionRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	prescription, err := handlers.store.InsertPrescription(contextGin.Request.Context(), records.Prescription{
		PatientID:              strings.TrimSpace(inbound.PatientID),
		DoctorID:               subjectID,
		PrescribingInstitution: inbound.PrescribingInstitution,
		Details:                inbound.Details,
	})
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusCreated, prescription)
}

func (handlers *recordsHandlers) updatePrescriptionStatus(contextGin *gin.Context) {
	subjectID, ok := authkit.SubjectFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	var inbound statusRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	prescription, err := handlers.store.UpdatePrescriptionStatus(contextGin.Request.Context(), subjectID, contextGin.Param("id"), inbound.Status)
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, prescription)
}

func (handlers *recordsHandlers) stats(contextGin *gin.Context) {
	subjectID, ok := requireOwner(contextGin)
	if !ok {
		return
	}
	stats, err := handlers.store.DoctorStats(contextGin.Request.Context(), subjectID)
	if err != nil {
		handlers.respondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, stats)
}

func (handlers *recordsHandlers) respondError(contextGin *gin.Context, err error) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, records.ErrConflict):
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, records.ErrInvalid):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		handlers.logger.Error("records request failed",
			zap.String("code", "web.records.failed"),
			zap.String("path", contextGin.FullPath()),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}
