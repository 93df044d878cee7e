package prolific

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/labrun/internal/jsonsafe"
	"github.com/roach88/labrun/internal/listcache"
)

// StudyStatus is the lifecycle state of a study.
type StudyStatus string

const (
	StudyUnpublished    StudyStatus = "UNPUBLISHED"
	StudyPublishing     StudyStatus = "PUBLISHING"
	StudyActive         StudyStatus = "ACTIVE"
	StudyScheduled      StudyStatus = "SCHEDULED"
	StudyPaused         StudyStatus = "PAUSED"
	StudyAwaitingReview StudyStatus = "AWAITING REVIEW"
	StudyCompleted      StudyStatus = "COMPLETED"
)

// SubmissionStatus is the review state of a submission.
type SubmissionStatus string

const (
	SubmissionActive            SubmissionStatus = "ACTIVE"
	SubmissionAwaitingReview    SubmissionStatus = "AWAITING REVIEW"
	SubmissionApproved          SubmissionStatus = "APPROVED"
	SubmissionPartiallyApproved SubmissionStatus = "PARTIALLY APPROVED"
	SubmissionRejected          SubmissionStatus = "REJECTED"
	SubmissionReturned          SubmissionStatus = "RETURNED"
	SubmissionScreenedOut       SubmissionStatus = "SCREENED OUT"
	SubmissionTimedOut          SubmissionStatus = "TIMED-OUT"
	SubmissionUnknown           SubmissionStatus = "UNKNOWN"
)

// Transition actions accepted by the study transition endpoint.
type Action string

const (
	ActionPublish Action = "PUBLISH"
	ActionPause   Action = "PAUSE"
	ActionStop    Action = "STOP"
	ActionStart   Action = "START"
)

// ParseAction validates a transition action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPublish, ActionPause, ActionStop, ActionStart:
		return a, nil
	}
	return "", fmt.Errorf("unknown study action %q (want PUBLISH, PAUSE, STOP or START)", s)
}

// StudyShort is a study as returned by list endpoints.
type StudyShort struct {
	ID                   string      `json:"id"`
	Name                 string      `json:"name"`
	InternalName         string      `json:"internal_name"`
	Status               StudyStatus `json:"status"`
	DateCreated          string      `json:"date_created"`
	PublishedAt          *string     `json:"published_at"`
	TotalAvailablePlaces int         `json:"total_available_places"`
	PlacesTaken          int         `json:"places_taken"`
	Reward               float64     `json:"reward"`
	TotalCost            float64     `json:"total_cost"`
}

// Created parses DateCreated. Unparseable dates are the zero time.
func (s StudyShort) Created() time.Time {
	t, err := time.Parse(time.RFC3339, s.DateCreated)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CompletionCodeAction is what happens when a participant submits a code.
type CompletionCodeAction struct {
	Action       string `json:"action"`
	ReturnReason string `json:"return_reason,omitempty"`
}

// CompletionCodeSpec binds a completion code to its actions.
type CompletionCodeSpec struct {
	Code     string                 `json:"code"`
	CodeType string                 `json:"code_type"`
	Actions  []CompletionCodeAction `json:"actions"`
}

// Range is an inclusive numeric filter range.
type Range struct {
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
}

// Filter restricts which participants can take a study.
type Filter struct {
	FilterID       string   `json:"filter_id" yaml:"filter_id"`
	SelectedValues []string `json:"selected_values,omitempty" yaml:"selected_values,omitempty"`
	SelectedRange  *Range   `json:"selected_range,omitempty" yaml:"selected_range,omitempty"`
}

// AccessDetail is one external URL and how many places it serves.
type AccessDetail struct {
	ExternalURL     string `json:"external_url"`
	TotalAllocation int    `json:"total_allocation"`
	Allocated       *int   `json:"allocated,omitempty"`
}

// SubmissionsConfig limits submissions per participant.
type SubmissionsConfig struct {
	MaxSubmissionsPerParticipant int      `json:"max_submissions_per_participant"`
	MaxConcurrentSubmissions     int      `json:"max_concurrent_submissions"`
	AutoRejectionCategories      []string `json:"auto_rejection_categories"`
}

// StudyDetails is a study as returned by the single-study endpoint.
type StudyDetails struct {
	StudyShort
	EstimatedCompletionTime int                  `json:"estimated_completion_time"`
	CompletionCodes         []CompletionCodeSpec `json:"completion_codes"`
	AccessDetails           []AccessDetail       `json:"access_details"`
}

// Submission is one participant's attempt at a study.
type Submission struct {
	ID            string           `json:"id"`
	ParticipantID string           `json:"participant_id"`
	Status        SubmissionStatus `json:"status"`
	StartedAt     *string          `json:"started_at"`
	TimeTaken     *float64         `json:"time_taken,omitempty"`
	StudyCode     *string          `json:"study_code,omitempty"`
	BonusPayments []float64        `json:"bonus_payments"`
}

// BonusTotal sums the bonuses already paid, in cents.
func (s Submission) BonusTotal() float64 {
	var total float64
	for _, b := range s.BonusPayments {
		total += b
	}
	return total
}

// StudyFull is a study with its submissions.
type StudyFull struct {
	StudyDetails
	Submissions []Submission `json:"submissions"`
}

// StudyPayload is the body sent when creating a study.
type StudyPayload struct {
	Name                    string               `json:"name"`
	InternalName            string               `json:"internal_name"`
	Description             string               `json:"description"`
	ExternalStudyURL        string               `json:"external_study_url,omitempty"`
	ProlificIDOption        string               `json:"prolific_id_option"`
	CompletionCodes         []CompletionCodeSpec `json:"completion_codes"`
	TotalAvailablePlaces    int                  `json:"total_available_places"`
	EstimatedCompletionTime int                  `json:"estimated_completion_time"`
	MaximumAllowedTime      int                  `json:"maximum_allowed_time"`
	Reward                  int                  `json:"reward"`
	CurrencyCode            string               `json:"currency_code"`
	DeviceCompatibility     []string             `json:"device_compatibility"`
	Project                 string               `json:"project"`
	Filters                 []Filter             `json:"filters,omitempty"`
	SubmissionsConfig       *SubmissionsConfig   `json:"submissions_config,omitempty"`
	AccessDetails           []AccessDetail       `json:"access_details,omitempty"`
	StudyLabels             []string             `json:"study_labels,omitempty"`
}

// statusPriority orders studies needing attention first.
var statusPriority = map[StudyStatus]int{
	StudyAwaitingReview: 0,
	StudyActive:         1,
	StudyPaused:         2,
}

// CompareStudies orders studies by status priority, then newest first.
func CompareStudies(a, b StudyShort) int {
	pa, ok := statusPriority[a.Status]
	if !ok {
		pa = len(statusPriority)
	}
	pb, ok := statusPriority[b.Status]
	if !ok {
		pb = len(statusPriority)
	}
	if c := cmp.Compare(pa, pb); c != 0 {
		return c
	}
	if c := b.Created().Compare(a.Created()); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortStudies sorts studies with CompareStudies.
func SortStudies(studies []StudyShort) {
	slices.SortFunc(studies, CompareStudies)
}

// toItem converts a typed study into a cache item.
func toItem(v any) (listcache.Item, error) {
	n, err := jsonsafe.Normalize(v)
	if err != nil {
		return nil, err
	}
	item, ok := n.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("study encodes to %T, not an object", n)
	}
	return item, nil
}

// fromItem decodes a cache item into a typed study.
func fromItem[T any](item listcache.Item) (T, error) {
	var out T
	raw, err := json.Marshal(item)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode study: %w", err)
	}
	return out, nil
}
