package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTemplateNotFound    = errors.New("template not found")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrInstallStepFailed   = errors.New("install step failed")
	ErrDownloadFailed      = errors.New("download failed")
	ErrExtractFailed       = errors.New("extract failed")
	ErrSpawnFailed         = errors.New("process spawn failed")
	ErrAlreadyRunning      = errors.New("instance is already running")
	ErrNotRunning          = errors.New("instance is not running")
	ErrStopTimeout         = errors.New("graceful stop timed out, process was killed")
	ErrMetricsSampleFailed = errors.New("metrics sample failed")
	ErrBackupFailed        = errors.New("backup failed")
	ErrBackupNotFound      = errors.New("backup not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNoFreePort          = errors.New("no free port in range")
)

// OpError ties a failure to the operation and instance that produced it.
type OpError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *OpError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func NewOpError(op, instanceID string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) && existing.Op == op && existing.InstanceID == instanceID {
		return err
	}
	return &OpError{Op: op, InstanceID: instanceID, Err: err}
}

// Kind names the sentinel err matches, for transport-level reporting.
func Kind(err error) string {
	kinds := []struct {
		target error
		name   string
	}{
		{ErrTemplateNotFound, "TemplateNotFound"},
		{ErrInstanceNotFound, "InstanceNotFound"},
		{ErrInstallStepFailed, "InstallStepFailed"},
		{ErrDownloadFailed, "DownloadFailed"},
		{ErrExtractFailed, "ExtractFailed"},
		{ErrSpawnFailed, "ProcessSpawnFailed"},
		{ErrAlreadyRunning, "AlreadyRunning"},
		{ErrNotRunning, "NotRunning"},
		{ErrStopTimeout, "StopTimeout"},
		{ErrMetricsSampleFailed, "MetricsSampleFailed"},
		{ErrBackupFailed, "BackupFailed"},
		{ErrBackupNotFound, "BackupNotFound"},
		{ErrInvalidRequest, "InvalidRequest"},
		{ErrNoFreePort, "NoFreePort"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.name
		}
	}
	return "Internal"
}
