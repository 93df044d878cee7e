package prolific

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/labrun/internal/localstore"
	"github.com/roach88/labrun/internal/session"
)

func newService(t *testing.T, api *fakeAPI) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), api.client(), ServiceConfig{
		PublicURL:     "https://lab.example.com",
		Version:       "v1.2",
		WatchInterval: time.Millisecond,
		WatchMaxCalls: 5,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

const studyYAML = `
project_id: project-0123456789
name: Memory task
description: A short memory experiment.
estimated_completion_time: 10
maximum_allowed_time: 30
reward: 200
total_available_places: 3
eligibility:
  allow_uk: true
  min_submissions: 50
  min_approval_rate: 95
  require_english_fluency: true
`

func TestParseStudyConfig(t *testing.T) {
	cfg, err := ParseStudyConfig(strings.NewReader(studyYAML))
	require.NoError(t, err)
	assert.Equal(t, "Memory task", cfg.Name)
	assert.Equal(t, 3, cfg.TotalAvailablePlaces)
	require.NotNil(t, cfg.Eligibility)
	assert.Equal(t, 50, *cfg.Eligibility.MinSubmissions)
}

func TestParseStudyConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"zero reward", strings.Replace(studyYAML, "reward: 200", "reward: 0", 1)},
		{"short project", strings.Replace(studyYAML, "project-0123456789", "p1", 1)},
		{"unknown field", studyYAML + "colour: blue\n"},
		{"max below estimate", strings.Replace(studyYAML, "maximum_allowed_time: 30", "maximum_allowed_time: 5", 1)},
		{"approval rate range", strings.Replace(studyYAML, "min_approval_rate: 95", "min_approval_rate: 120", 1)},
		{"bad device", studyYAML + "device_compatibility: [toaster]\n"},
		{"not yaml", "name: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStudyConfig(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestEligibilityToFilters(t *testing.T) {
	no := false
	maxSubs := 500
	filters := EligibilityToFilters(Eligibility{AllowUK: &no, MaxSubmissions: &maxSubs, RequireEnglishPrimary: true})
	assert.Equal(t, []Filter{
		{FilterID: FilterCountry, SelectedValues: []string{"1"}},
		{FilterID: FilterApprovalNumbers, SelectedRange: &Range{Lower: 0, Upper: 500}},
		{FilterID: FilterPrimaryLanguage, SelectedValues: []string{"19"}},
	}, filters)

	assert.Empty(t, EligibilityToFilters(Eligibility{}))
}

func TestCreateStudy(t *testing.T) {
	api := newFakeAPI(t)
	api.add("prev1", StudyCompleted, time.Now().Add(-time.Hour))
	api.add("prev2", StudyActive, time.Now().Add(-2*time.Hour))
	svc := newService(t, api)

	cfg, err := ParseStudyConfig(strings.NewReader(studyYAML))
	require.NoError(t, err)
	study, err := svc.CreateStudy(context.Background(), cfg, "memory-v1.2")
	require.NoError(t, err)
	assert.Equal(t, "new1", study.ID)
	assert.Equal(t, StudyUnpublished, study.Status)

	require.Len(t, api.created, 1)
	p := api.created[0]
	assert.Equal(t, "memory-v1.2", p.InternalName)
	assert.Equal(t, projectID, p.Project)
	assert.Equal(t, "USD", p.CurrencyCode)
	assert.Equal(t, []string{"desktop"}, p.DeviceCompatibility)
	assert.Equal(t, "url_parameters", p.ProlificIDOption)

	blocklist := p.Filters[len(p.Filters)-1]
	assert.Equal(t, FilterPreviousStudies, blocklist.FilterID)
	assert.ElementsMatch(t, []string{"prev1", "prev2"}, blocklist.SelectedValues)

	require.Len(t, p.AccessDetails, 3)
	assert.True(t, strings.HasSuffix(p.AccessDetails[2].ExternalURL, "&assignment=2"))
	assert.True(t, strings.HasPrefix(p.AccessDetails[0].ExternalURL, "https://lab.example.com/exp?PROLIFIC_PID={{%PROLIFIC_PID%}}"))

	require.Len(t, p.CompletionCodes, 4)
	assert.Equal(t, session.CompletionCode(session.CodeCompleted, "v1.2"), p.CompletionCodes[0].Code)
	assert.Equal(t, "MANUALLY_REVIEW", p.CompletionCodes[0].Actions[0].Action)

	cached, ok := svc.CachedStudy("new1")
	require.True(t, ok)
	assert.Equal(t, StudyUnpublished, cached.Status)
}

func TestBuildPayloadMergesBlocklist(t *testing.T) {
	api := newFakeAPI(t)
	svc := newService(t, api)

	cfg := StudyConfig{
		Name:                 "x",
		TotalAvailablePlaces: 1,
		DeviceCompatibility:  []string{"mobile"},
		Filters: []Filter{
			{FilterID: FilterPreviousStudies, SelectedValues: []string{"a", "b"}},
		},
	}
	p := svc.BuildPayload(cfg, "x", []string{"b", "c"})
	require.Len(t, p.Filters, 1)
	assert.Equal(t, []string{"a", "b", "c"}, p.Filters[0].SelectedValues)
	assert.Equal(t, []string{"mobile"}, p.DeviceCompatibility)
	assert.Equal(t, []string{"a", "b"}, cfg.Filters[0].SelectedValues, "config is not mutated")
}

func TestTransitionAndDelete(t *testing.T) {
	api := newFakeAPI(t)
	api.add("s1", StudyUnpublished, time.Now())
	svc := newService(t, api)
	ctx := context.Background()

	study, err := svc.Transition(ctx, "s1", ActionPublish)
	require.NoError(t, err)
	assert.Equal(t, StudyActive, study.Status)

	study, err = svc.Transition(ctx, "s1", ActionPause)
	require.NoError(t, err)
	assert.Equal(t, StudyPaused, study.Status)

	require.NoError(t, svc.DeleteStudy(ctx, "s1"))
	svc.cache.Wait()
	assert.Nil(t, svc.cache.Item("s1").Item)
}

func TestUpdatePlaces(t *testing.T) {
	api := newFakeAPI(t)
	api.add("s1", StudyActive, time.Now())
	svc := newService(t, api)

	study, err := svc.AddPlaces(context.Background(), "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, 12, study.TotalAvailablePlaces)

	require.Len(t, api.patches, 1)
	links, ok := api.patches[0]["access_details"].([]any)
	require.True(t, ok, "studies with access links get regenerated links")
	assert.Len(t, links, 12)

	_, err = svc.UpdatePlaces(context.Background(), "s1", 0)
	assert.True(t, IsValidation(err))
}

func TestProposeApprovals(t *testing.T) {
	api := newFakeAPI(t)
	good, bad := "DONE123", "WRONG"
	api.add("s1", StudyAwaitingReview, time.Now(),
		Submission{ID: "a", ParticipantID: "pa", Status: SubmissionAwaitingReview, StudyCode: &good},
		Submission{ID: "b", ParticipantID: "pb", Status: SubmissionAwaitingReview, StudyCode: &bad},
		Submission{ID: "c", ParticipantID: "pc", Status: SubmissionAwaitingReview},
		Submission{ID: "d", ParticipantID: "pd", Status: SubmissionApproved, StudyCode: &good},
	)
	svc := newService(t, api)
	ctx := context.Background()

	p, err := svc.ProposeApprovals(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, p.SubmissionIDs)
	assert.Empty(t, api.requested("POST /submissions/bulk-approve/"), "proposing sends nothing")

	require.NoError(t, p.Confirm(ctx))
	study, err := svc.Study(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SubmissionApproved, study.Submissions[0].Status)
	assert.Equal(t, SubmissionAwaitingReview, study.Submissions[1].Status)

	explicit, err := svc.ProposeApprovals(ctx, "s1", []string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, explicit.Count())

	empty, err := svc.ProposeApprovals(ctx, "s1", []string{})
	require.NoError(t, err)
	require.NoError(t, empty.Confirm(ctx))
	assert.Len(t, api.requested("POST /submissions/bulk-approve/"), 1)
}

func TestProposeBonuses(t *testing.T) {
	api := newFakeAPI(t)
	api.add("s1", StudyAwaitingReview, time.Now(),
		Submission{ID: "sub-a", ParticipantID: "pa", BonusPayments: []float64{}},
		Submission{ID: "sub-b", ParticipantID: "pb", BonusPayments: []float64{100}},
		Submission{ID: "sub-c", ParticipantID: "pc", BonusPayments: []float64{300}},
	)
	svc := newService(t, api)
	ctx := context.Background()

	p, err := svc.ProposeBonuses(ctx, "s1", map[string]float64{
		"sub-a": 129,
		"pb":    250,
		"pc":    200,
	})
	require.NoError(t, err)
	assert.Equal(t, "pa,1.29\npb,1.50", p.CSV)
	assert.Equal(t, map[string]float64{"pa": 129, "pb": 150}, p.Owed)
	assert.InDelta(t, 2.79, p.TotalAmount, 1e-9)
	assert.False(t, p.Empty())
	assert.Empty(t, api.requested("POST /bulk-bonus-payments/"), "proposing pays nothing")

	require.NoError(t, p.Confirm(ctx))
	study, err := svc.Study(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 129.0, study.Submissions[0].BonusTotal())
	assert.Equal(t, 250.0, study.Submissions[1].BonusTotal())

	again, err := svc.ProposeBonuses(ctx, "s1", map[string]float64{"pa": 129, "pb": 250})
	require.NoError(t, err)
	assert.True(t, again.Empty(), "bonuses already paid are not proposed again")
	require.NoError(t, again.Confirm(ctx))
}

func TestProposeBonusesValidation(t *testing.T) {
	api := newFakeAPI(t)
	api.add("s1", StudyAwaitingReview, time.Now(), Submission{ID: "sub-a", ParticipantID: "pa"})
	svc := newService(t, api)

	for name, bonus := range map[string]map[string]float64{
		"negative":   {"pa": -5},
		"fractional": {"pa": 10.5},
		"over cap":   {"pa": 2001},
		"unknown id": {"nobody": 10},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ProposeBonuses(context.Background(), "s1", bonus)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, api.requested("POST /submissions/bonus-payments/"))

	assert.NoError(t, ValidateBonus("p", 2000))
	assert.NoError(t, ValidateBonus("p", 12.0000001))
}

func TestWatchStudyExhausts(t *testing.T) {
	api := newFakeAPI(t)
	api.add("s1", StudyActive, time.Now())
	svc := newService(t, api)

	calls := 0
	study, err := svc.WatchStudy(context.Background(), "s1", WatchOptions{
		MaxCalls: 3,
		Until:    func(StudyFull) bool { calls++; return false },
	})
	assert.ErrorIs(t, err, ErrWatchExhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "s1", study.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.WatchStudy(ctx, "s1", WatchOptions{Until: func(StudyFull) bool { return false }})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStudyCachePersists(t *testing.T) {
	store, err := localstore.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	api := newFakeAPI(t)
	api.add("s1", StudyActive, time.Now())
	ctx := context.Background()

	first, err := NewService(ctx, api.client(), ServiceConfig{Store: store})
	require.NoError(t, err)
	studies, err := first.StudiesAsync(ctx)
	require.NoError(t, err)
	require.Len(t, studies, 1)
	first.Close()

	second, err := NewService(ctx, api.client(), ServiceConfig{Store: store})
	require.NoError(t, err)
	defer second.Close()
	cached, err := second.Studies()
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "s1", cached[0].ID)
}
