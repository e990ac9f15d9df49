package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Average types a server may advertise.
const (
	AverageSimple      = "SIMPLE"
	AverageExponential = "EXPONENTIAL"
)

// RunConfig is the run tuning a server publishes at GET /config. Times are
// milliseconds. Zero fields mean the server has no opinion.
type RunConfig struct {
	LocationID           string  `json:"locationId,omitempty"`
	LocationName         string  `json:"locationName,omitempty"`
	DownloadSize         int64   `json:"downloadSize"`
	UploadSize           int64   `json:"uploadSize"`
	NumDownloads         int     `json:"numConcurrentDownloads"`
	NumUploads           int     `json:"numConcurrentUploads"`
	IntervalMillis       int64   `json:"intervalSize"`
	MinTransferIntervals int     `json:"minTransferIntervals"`
	MaxTransferIntervals int     `json:"maxTransferIntervals"`
	MinTransferMillis    int64   `json:"minTransferRunTime"`
	MaxTransferMillis    int64   `json:"maxTransferRunTime"`
	MaxTransferVariance  float64 `json:"maxTransferVariance"`
	AverageType          string  `json:"averageType,omitempty"`
}

// Millis converts a duration for a RunConfig field.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// Duration converts a RunConfig millisecond field back.
func Duration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Validate rejects values no client could run with.
func (c RunConfig) Validate() error {
	var errs []error
	if c.DownloadSize < 0 || c.UploadSize < 0 {
		errs = append(errs, errors.New("transfer sizes must not be negative"))
	}
	if c.NumDownloads < 0 || c.NumUploads < 0 {
		errs = append(errs, errors.New("worker counts must not be negative"))
	}
	if c.IntervalMillis < 0 || c.MinTransferMillis < 0 || c.MaxTransferMillis < 0 {
		errs = append(errs, errors.New("times must not be negative"))
	}
	if c.MaxTransferMillis > 0 && c.MaxTransferMillis < c.MinTransferMillis {
		errs = append(errs, fmt.Errorf("max runtime %dms is shorter than min runtime %dms", c.MaxTransferMillis, c.MinTransferMillis))
	}
	if c.MaxTransferVariance < 0 || c.MaxTransferVariance > 1 {
		errs = append(errs, fmt.Errorf("max variance %g outside [0, 1]", c.MaxTransferVariance))
	}
	switch strings.ToUpper(c.AverageType) {
	case "", AverageSimple, AverageExponential:
	default:
		errs = append(errs, fmt.Errorf("unknown average type %q", c.AverageType))
	}
	return errors.Join(errs...)
}
