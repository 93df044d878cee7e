package prolific

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"net/http"
	"slices"
	"strings"
)

// MaxBonusCents caps a single participant's total bonus.
const MaxBonusCents = 2000

// noCode stands in for a submission without a study code.
const noCode = "NO CODE GIVEN"

// ApprovalProposal is a pending bulk approval.
type ApprovalProposal struct {
	StudyID       string
	SubmissionIDs []string

	svc *Service
}

// ProposeApprovals selects submissions to approve. Without explicit ids it
// picks every submission awaiting review whose study code is the study's
// COMPLETED code. Nothing is sent until Confirm.
func (s *Service) ProposeApprovals(ctx context.Context, studyID string, submissionIDs []string) (*ApprovalProposal, error) {
	study, err := s.Study(ctx, studyID)
	if err != nil {
		return nil, err
	}
	ids := slices.Clone(submissionIDs)
	if ids == nil {
		var completed []string
		for _, cc := range study.CompletionCodes {
			if cc.CodeType == "COMPLETED" {
				completed = append(completed, cc.Code)
			}
		}
		ids = []string{}
		for _, sub := range study.Submissions {
			code := noCode
			if sub.StudyCode != nil {
				code = *sub.StudyCode
			}
			if sub.Status == SubmissionAwaitingReview && slices.Contains(completed, code) {
				ids = append(ids, sub.ID)
			}
		}
	}
	return &ApprovalProposal{StudyID: studyID, SubmissionIDs: ids, svc: s}, nil
}

// Count is the number of submissions the proposal approves.
func (p *ApprovalProposal) Count() int {
	return len(p.SubmissionIDs)
}

// Confirm approves the proposed submissions and waits until the study
// reports them approved. A watch that runs out of calls is logged, not
// returned, since the approval itself went through.
func (p *ApprovalProposal) Confirm(ctx context.Context) error {
	if len(p.SubmissionIDs) == 0 {
		return nil
	}
	body := map[string]any{"submission_ids": p.SubmissionIDs}
	if err := p.svc.client.Request(ctx, http.MethodPost, "/submissions/bulk-approve/", body, nil); err != nil {
		return err
	}
	slog.Info("submissions approved", "study", p.StudyID, "count", len(p.SubmissionIDs))

	_, err := p.svc.WatchStudy(ctx, p.StudyID, WatchOptions{Until: func(study StudyFull) bool {
		for _, sub := range study.Submissions {
			if slices.Contains(p.SubmissionIDs, sub.ID) && sub.Status != SubmissionApproved {
				return false
			}
		}
		return true
	}})
	return watchResult(err, "approvals", p.StudyID)
}

// ApproveSubmission approves a single submission.
func (s *Service) ApproveSubmission(ctx context.Context, studyID, submissionID string) error {
	path := fmt.Sprintf("/submissions/%s/transition/", submissionID)
	if err := s.client.Request(ctx, http.MethodPost, path, map[string]any{"action": "APPROVE"}, nil); err != nil {
		return err
	}
	_, err := s.refetch(ctx, studyID)
	return err
}

// BonusProposal is a created but unpaid bulk bonus.
type BonusProposal struct {
	StudyID string
	// PaymentID is empty when nothing is owed.
	PaymentID string
	// TotalAmount is what the platform will charge, in dollars.
	TotalAmount float64
	// Owed maps participant id to the cents still owed.
	Owed map[string]float64
	CSV  string

	svc *Service
}

// ProposeBonuses creates a bulk bonus so each participant's total bonus
// reaches the given cents. Keys may be participant or submission ids.
// Bonuses already paid are subtracted; only positive remainders are
// proposed. Nothing is paid until Confirm.
func (s *Service) ProposeBonuses(ctx context.Context, studyID string, bonusCents map[string]float64) (*BonusProposal, error) {
	study, err := s.Study(ctx, studyID)
	if err != nil {
		return nil, err
	}
	previous := make(map[string]float64, len(study.Submissions))
	for _, sub := range study.Submissions {
		previous[sub.ParticipantID] = sub.BonusTotal()
	}

	targets := make(map[string]float64, len(bonusCents))
	for _, id := range slices.Sorted(maps.Keys(bonusCents)) {
		pid, ok := participantFor(study.Submissions, id)
		if !ok {
			return nil, &ValidationError{Field: id, Reason: "invalid session/participant ID"}
		}
		amount := bonusCents[id]
		if err := ValidateBonus(pid, amount); err != nil {
			return nil, err
		}
		targets[pid] = math.Round(amount)
	}

	owed := map[string]float64{}
	var lines []string
	for _, pid := range slices.Sorted(maps.Keys(targets)) {
		diff := targets[pid] - previous[pid]
		if diff <= 0 {
			continue
		}
		owed[pid] = diff
		lines = append(lines, fmt.Sprintf("%s,%.2f", pid, math.Round(diff)/100))
	}

	p := &BonusProposal{StudyID: studyID, Owed: owed, svc: s}
	if len(lines) == 0 {
		return p, nil
	}
	p.CSV = strings.Join(lines, "\n")

	var resp struct {
		ID          string  `json:"id"`
		TotalAmount float64 `json:"total_amount"`
	}
	body := map[string]any{"study_id": studyID, "csv_bonuses": p.CSV}
	if err := s.client.Request(ctx, http.MethodPost, "/submissions/bonus-payments/", body, &resp); err != nil {
		return nil, err
	}
	p.PaymentID = resp.ID
	p.TotalAmount = resp.TotalAmount
	return p, nil
}

// ValidateBonus rejects negative, fractional, and over-cap amounts in
// cents.
func ValidateBonus(participantID string, cents float64) error {
	switch {
	case math.IsNaN(cents) || math.IsInf(cents, 0):
		return &ValidationError{Field: participantID, Reason: fmt.Sprintf("bonus amount is not a number: %v", cents)}
	case cents < 0:
		return &ValidationError{Field: participantID, Reason: fmt.Sprintf("bonus amount is negative: %v", cents)}
	case math.Abs(cents-math.Round(cents)) > 1e-6:
		return &ValidationError{Field: participantID, Reason: fmt.Sprintf("bonus amount is not an integer: %v", cents)}
	case cents > MaxBonusCents:
		return &ValidationError{Field: participantID, Reason: fmt.Sprintf("bonus amount exceeds $20 limit: %v", cents)}
	}
	return nil
}

func participantFor(subs []Submission, id string) (string, bool) {
	for _, sub := range subs {
		if sub.ID == id || sub.ParticipantID == id {
			return sub.ParticipantID, true
		}
	}
	return "", false
}

// Empty reports whether the proposal pays nothing.
func (p *BonusProposal) Empty() bool {
	return p.PaymentID == ""
}

// Confirm pays the proposed bonuses and waits until every participant's
// paid total covers what was owed.
func (p *BonusProposal) Confirm(ctx context.Context) error {
	if p.Empty() {
		return nil
	}
	path := fmt.Sprintf("/bulk-bonus-payments/%s/pay/", p.PaymentID)
	if err := p.svc.client.Request(ctx, http.MethodPost, path, map[string]any{}, nil); err != nil {
		return err
	}
	var cents float64
	for _, c := range p.Owed {
		cents += c
	}
	bonusCentsTotal.Add(cents)
	slog.Info("bonuses paid", "study", p.StudyID, "participants", len(p.Owed), "total", p.TotalAmount)

	_, err := p.svc.WatchStudy(ctx, p.StudyID, WatchOptions{Until: func(study StudyFull) bool {
		for _, sub := range study.Submissions {
			if sub.BonusTotal() < p.Owed[sub.ParticipantID] {
				return false
			}
		}
		return true
	}})
	return watchResult(err, "bonuses", p.StudyID)
}

func watchResult(err error, what, studyID string) error {
	if errors.Is(err, ErrWatchExhausted) {
		slog.Warn("study did not reflect update in time", "study", studyID, "update", what)
		return nil
	}
	return err
}
