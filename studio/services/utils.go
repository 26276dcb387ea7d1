package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"nutristudio_platform/studio/schema"
	"nutristudio_platform/studio/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

func checkPatientExists(txn *gorm.DB, patientId, tenantId uuid.UUID) error {
	if _, err := schema.GetPatient(patientId, tenantId, txn); err != nil {
		if errors.Is(err, schema.ErrPatientNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

func checkFoodExists(txn *gorm.DB, foodId, tenantId uuid.UUID) error {
	if _, err := schema.GetFood(foodId, tenantId, txn); err != nil {
		if errors.Is(err, schema.ErrFoodNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

// today returns the server's current calendar date in UTC in meal date form.
func today() string {
	return time.Now().UTC().Format(schema.MealDateLayout)
}

func parseMealDate(date string) (time.Time, error) {
	parsed, err := time.Parse(schema.MealDateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date '%v', expected YYYY-MM-DD", date)
	}
	return parsed, nil
}

func checkDiskUsage(store storage.Storage) error {
	stats, err := store.Usage()
	if err != nil {
		slog.Error("unable to get disk usage from storage", "error", err)
		return CodedError(errors.New("unable to get disk usage"), http.StatusInternalServerError)
	}
	oneMib := uint64(1024 * 1024)
	// Either 20% disk needs to be free or 20Gb (in case the disk is very large)
	threshold := min(stats.TotalBytes/5, 20*1024*oneMib)
	if stats.FreeBytes < threshold {
		used := (stats.TotalBytes - stats.FreeBytes) / oneMib
		total := stats.TotalBytes / oneMib
		delta := (threshold - stats.FreeBytes) / oneMib
		return CodedError(fmt.Errorf("insufficient disk space available, usage: %d/%d Mib, please clear %d Mib", used, total, delta), http.StatusInsufficientStorage)
	}
	return nil
}

func checkSufficientStorage(store storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			if err := checkDiskUsage(store); err != nil {
				slog.Error(err.Error())
				http.Error(w, err.Error(), GetResponseCode(err))
				return
			}
			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}
