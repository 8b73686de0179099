package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atana/registration-migrator/internal/apperrors"
)

// CompletionStatus is the registration completion enum
type CompletionStatus string

const (
	CompletionUnknown    CompletionStatus = "UNKNOWN"
	CompletionCompleted  CompletionStatus = "COMPLETED"
	CompletionIncomplete CompletionStatus = "INCOMPLETE"
)

// Normalize maps the empty value to UNKNOWN and reports whether the result
// is a member of the enum.
func (s CompletionStatus) Normalize() (CompletionStatus, bool) {
	switch v := CompletionStatus(strings.ToUpper(string(s))); v {
	case "":
		return CompletionUnknown, true
	case CompletionUnknown, CompletionCompleted, CompletionIncomplete:
		return v, true
	default:
		return v, false
	}
}

// SuccessStatus is the registration success enum
type SuccessStatus string

const (
	SuccessUnknown SuccessStatus = "UNKNOWN"
	SuccessPassed  SuccessStatus = "PASSED"
	SuccessFailed  SuccessStatus = "FAILED"
)

// Normalize maps the empty value to UNKNOWN and reports whether the result
// is a member of the enum.
func (s SuccessStatus) Normalize() (SuccessStatus, bool) {
	switch v := SuccessStatus(strings.ToUpper(string(s))); v {
	case "":
		return SuccessUnknown, true
	case SuccessUnknown, SuccessPassed, SuccessFailed:
		return v, true
	default:
		return v, false
	}
}

// Score accepts either a bare number or the API's {"scaled": n} object
type Score struct {
	Scaled *float64
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Score) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		s.Scaled = nil
		return nil
	}
	if data[0] == '{' {
		var obj struct {
			Scaled *float64 `json:"scaled"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("score: %w", err)
		}
		s.Scaled = obj.Scaled
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("score: %w", err)
	}
	s.Scaled = &v
	return nil
}

// MarshalJSON implements json.Marshaler
func (s Score) MarshalJSON() ([]byte, error) {
	if s.Scaled == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*s.Scaled)
}

// Learner is a person referenced by registrations
type Learner struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Registration is one learner's interaction with one course instance, as
// returned by the registration API
type Registration struct {
	ID                           string           `json:"id"`
	Instance                     int              `json:"instance"`
	XAPIRegistrationID           string           `json:"xapiRegistrationId,omitempty"`
	DispatchID                   string           `json:"dispatchId,omitempty"`
	Updated                      *time.Time       `json:"updated,omitempty"`
	RegistrationCompletion       CompletionStatus `json:"registrationCompletion,omitempty"`
	RegistrationCompletionAmount *float64         `json:"registrationCompletionAmount,omitempty"`
	RegistrationSuccess          SuccessStatus    `json:"registrationSuccess,omitempty"`
	Score                        Score            `json:"score"`
	TotalSecondsTracked          *float64         `json:"totalSecondsTracked,omitempty"`
	FirstAccessDate              *time.Time       `json:"firstAccessDate,omitempty"`
	LastAccessDate               *time.Time       `json:"lastAccessDate,omitempty"`
	CompletedDate                *time.Time       `json:"completedDate,omitempty"`
	CreatedDate                  *time.Time       `json:"createdDate,omitempty"`
	Course                       json.RawMessage  `json:"course,omitempty"`
	Learner                      *Learner         `json:"learner,omitempty"`
	Tags                         json.RawMessage  `json:"tags,omitempty"`
	GlobalObjectives             json.RawMessage  `json:"globalObjectives,omitempty"`
	SharedData                   json.RawMessage  `json:"sharedData,omitempty"`
	SuspendedActivityID          string           `json:"suspendedActivityId,omitempty"`
	ActivityDetails              json.RawMessage  `json:"activityDetails,omitempty"`
}

// StoredRegistration is the registration row: the payload with the embedded
// learner replaced by its id
type StoredRegistration struct {
	ID                           string           `json:"id"`
	Instance                     int              `json:"instance"`
	XAPIRegistrationID           string           `json:"xapiRegistrationId,omitempty"`
	DispatchID                   string           `json:"dispatchId,omitempty"`
	Updated                      *time.Time       `json:"updated,omitempty"`
	RegistrationCompletion       CompletionStatus `json:"registrationCompletion"`
	RegistrationCompletionAmount *float64         `json:"registrationCompletionAmount,omitempty"`
	RegistrationSuccess          SuccessStatus    `json:"registrationSuccess"`
	Score                        *float64         `json:"score,omitempty"`
	TotalSecondsTracked          *float64         `json:"totalSecondsTracked,omitempty"`
	FirstAccessDate              *time.Time       `json:"firstAccessDate,omitempty"`
	LastAccessDate               *time.Time       `json:"lastAccessDate,omitempty"`
	CompletedDate                *time.Time       `json:"completedDate,omitempty"`
	CreatedDate                  *time.Time       `json:"createdDate,omitempty"`
	Course                       json.RawMessage  `json:"course,omitempty"`
	LearnerID                    string           `json:"learnerId"`
	Tags                         json.RawMessage  `json:"tags,omitempty"`
	GlobalObjectives             json.RawMessage  `json:"globalObjectives,omitempty"`
	SharedData                   json.RawMessage  `json:"sharedData,omitempty"`
	SuspendedActivityID          string           `json:"suspendedActivityId,omitempty"`
	ActivityDetails              json.RawMessage  `json:"activityDetails,omitempty"`
}

// ToStored validates the registration and splits it into the learner and
// registration rows.
func (r Registration) ToStored() (Learner, StoredRegistration, error) {
	if strings.TrimSpace(r.ID) == "" {
		return Learner{}, StoredRegistration{}, apperrors.NewValidationError("registration has no id")
	}
	if r.Learner == nil || strings.TrimSpace(r.Learner.ID) == "" {
		return Learner{}, StoredRegistration{}, apperrors.NewValidationError(
			fmt.Sprintf("registration %s has no learner reference", r.ID))
	}
	completion, ok := r.RegistrationCompletion.Normalize()
	if !ok {
		return Learner{}, StoredRegistration{}, apperrors.NewValidationError(
			fmt.Sprintf("registration %s has unknown completion status %q", r.ID, r.RegistrationCompletion))
	}
	success, ok := r.RegistrationSuccess.Normalize()
	if !ok {
		return Learner{}, StoredRegistration{}, apperrors.NewValidationError(
			fmt.Sprintf("registration %s has unknown success status %q", r.ID, r.RegistrationSuccess))
	}

	stored := StoredRegistration{
		ID:                           r.ID,
		Instance:                     r.Instance,
		XAPIRegistrationID:           r.XAPIRegistrationID,
		DispatchID:                   r.DispatchID,
		Updated:                      r.Updated,
		RegistrationCompletion:       completion,
		RegistrationCompletionAmount: r.RegistrationCompletionAmount,
		RegistrationSuccess:          success,
		Score:                        r.Score.Scaled,
		TotalSecondsTracked:          r.TotalSecondsTracked,
		FirstAccessDate:              r.FirstAccessDate,
		LastAccessDate:               r.LastAccessDate,
		CompletedDate:                r.CompletedDate,
		CreatedDate:                  r.CreatedDate,
		Course:                       r.Course,
		LearnerID:                    r.Learner.ID,
		Tags:                         r.Tags,
		GlobalObjectives:             r.GlobalObjectives,
		SharedData:                   r.SharedData,
		SuspendedActivityID:          r.SuspendedActivityID,
		ActivityDetails:              r.ActivityDetails,
	}
	return *r.Learner, stored, nil
}

// RegistrationPage is one page of the registration collection
type RegistrationPage struct {
	Registrations []Registration `json:"registrations"`
	More          string         `json:"more,omitempty"`
}

// RunStatus is the terminal state of a migration run
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// RunReport summarises one migration run
type RunReport struct {
	ID         string    `json:"id" bson:"_id"`
	Status     RunStatus `json:"status" bson:"status"`
	StartedAt  time.Time `json:"started_at" bson:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	Pages      int       `json:"pages" bson:"pages"`
	Seen       int       `json:"seen" bson:"seen"`
	Migrated   int       `json:"migrated" bson:"migrated"`
	Failed     int       `json:"failed" bson:"failed"`
	Error      string    `json:"error,omitempty" bson:"error,omitempty"`
}

// NewRunReport starts a report with a fresh id
func NewRunReport(now time.Time) *RunReport {
	return &RunReport{
		ID:        uuid.NewString(),
		Status:    RunRunning,
		StartedAt: now.UTC(),
	}
}
