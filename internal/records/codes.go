package records

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

const (
	doctorCodePrefix   = "DR"
	doctorCodeLength   = 6
	doctorCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	patientCodePrefix = "P"
	patientCodeDigits = 6
)

// GenerateDoctorCode returns a human-readable doctor code: "DR" followed by
// six random uppercase alphanumeric characters. Codes are drawn independently;
// uniqueness is enforced by the doctors.doctor_code index, not here.
func GenerateDoctorCode() (string, error) {
	alphabetSize := big.NewInt(int64(len(doctorCodeAlphabet)))
	code := make([]byte, 0, len(doctorCodePrefix)+doctorCodeLength)
	code = append(code, doctorCodePrefix...)
	for index := 0; index < doctorCodeLength; index++ {
		position, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("records.doctor_code.random: %w", err)
		}
		code = append(code, doctorCodeAlphabet[position.Int64()])
	}
	return string(code), nil
}

// GeneratePatientCode derives a patient code from the last six digits of the
// millisecond clock, e.g. "P482913".
func GeneratePatientCode(now time.Time) string {
	millis := strconv.FormatInt(now.UnixMilli(), 10)
	if len(millis) > patientCodeDigits {
		millis = millis[len(millis)-patientCodeDigits:]
	}
	return patientCodePrefix + millis
}
