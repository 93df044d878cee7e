package prolific

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatus(t *testing.T) {
	api := newFakeAPI(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		client  *Client
		want    Status
		request bool
	}{
		{"ok", api.client(), StatusOK, true},
		{"short token", api.client(WithToken("short")), StatusInvalidToken, false},
		{"rejected token", api.client(WithToken("token-is-long-but-wrong")), StatusInvalidToken, true},
		{"short project", NewClient("p", WithBaseURL(api.srv.URL), WithToken(goodToken)), StatusInvalidProjectID, false},
		{"unknown project", NewClient("project-does-not-exist", WithBaseURL(api.srv.URL), WithToken(goodToken)), StatusInvalidProjectID, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(api.requested("GET /projects/"))
			got, err := tt.client.CheckStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, tt.client.Status())
			after := len(api.requested("GET /projects/"))
			assert.Equal(t, tt.request, after > before)
		})
	}
}

func TestRequestFailsClosed(t *testing.T) {
	api := newFakeAPI(t)
	c := api.client(WithToken("token-is-long-but-wrong"))

	err := c.Request(context.Background(), http.MethodGet, "/studies/x", nil, nil)
	require.ErrorIs(t, err, ErrStatus)
	assert.Empty(t, api.requested("GET /studies/"), "no call is made without a valid status")

	c.SetToken(goodToken)
	assert.Equal(t, StatusUnknown, c.Status(), "a new token resets the status")
	api.add("x", StudyActive, time.Now())
	var details StudyDetails
	require.NoError(t, c.Request(context.Background(), http.MethodGet, "/studies/x", nil, &details))
	assert.Equal(t, "x", details.ID)
}

func TestRequestStatusTimeout(t *testing.T) {
	api := newFakeAPI(t)
	c := NewClient(projectID,
		WithBaseURL(api.srv.URL),
		WithToken(goodToken),
		WithStatusTimeout(time.Nanosecond),
	)
	err := c.Request(context.Background(), http.MethodGet, "/studies/x", nil, nil)
	assert.True(t, errors.Is(err, ErrStatus))
	assert.Equal(t, StatusUnknown, c.Status())
}

func TestRequestErrorBody(t *testing.T) {
	api := newFakeAPI(t)
	c := api.client()

	err := c.Request(context.Background(), http.MethodGet, "/broken", nil, nil)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
	assert.Equal(t, map[string]any{"info": "not json at all"}, pe.Body)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))
	assert.Contains(t, err.Error(), "GET /broken")

	err = c.Request(context.Background(), http.MethodGet, "/studies/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestURL(t *testing.T) {
	c := NewClient(projectID, WithBaseURL("https://api.example.com/api/v1/"))

	tests := []struct {
		path, query, want string
	}{
		{"/studies", "", "https://api.example.com/api/v1/studies/"},
		{"studies/", "", "https://api.example.com/api/v1/studies/"},
		{"/projects/p/studies?ordering=-date_created", "", "https://api.example.com/api/v1/projects/p/studies/?ordering=-date_created"},
		{"/studies", "a=1", "https://api.example.com/api/v1/studies/?a=1"},
		{"/studies?a=1", "b=2", "https://api.example.com/api/v1/studies/?a=1&b=2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.URL(tt.path, tt.query), tt.path)
	}
}

func TestStudyListStreaming(t *testing.T) {
	api := newFakeAPI(t)
	now := time.Now()
	old := now.Add(-20 * 24 * time.Hour)
	api.add("s5", StudyActive, now.Add(-1*time.Hour))
	api.add("s4", StudyCompleted, now.Add(-2*time.Hour))
	api.add("s3", StudyCompleted, old.Add(-1*time.Hour))
	api.add("s2", StudyCompleted, old.Add(-2*time.Hour))
	api.add("s1", StudyCompleted, old.Add(-3*time.Hour))

	c := api.client()
	var batches [][]string
	for batch, err := range c.StudyList(context.Background(), 2, time.Now) {
		require.NoError(t, err)
		ids := make([]string, len(batch))
		for i, s := range batch {
			ids[i] = s.ID
		}
		batches = append(batches, ids)
	}

	assert.Equal(t, [][]string{{"s5", "s4"}, {"s5"}, {"s3", "s2"}}, batches)
	for _, r := range api.requested("GET /projects/" + projectID + "/studies/") {
		assert.NotContains(t, r, "page=3", "paging stops at a page of old studies")
	}
}

func TestStudyListStopsEarly(t *testing.T) {
	api := newFakeAPI(t)
	api.add("s1", StudyActive, time.Now())

	c := api.client()
	n := 0
	for _, err := range c.StudyList(context.Background(), 2, time.Now) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
	assert.Len(t, api.requested("GET /projects/"+projectID+"/studies/"), 1, "breaking stops further fetches")
}

func TestFetchStudy(t *testing.T) {
	api := newFakeAPI(t)
	code := "DONE123"
	api.add("s1", StudyActive, time.Now(), Submission{ID: "sub1", ParticipantID: "p1", Status: SubmissionAwaitingReview, StudyCode: &code, BonusPayments: []float64{50, 25}})

	study, err := api.client().FetchStudy(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", study.ID)
	require.Len(t, study.Submissions, 1)
	assert.Equal(t, 75.0, study.Submissions[0].BonusTotal())

	_, err = api.client().FetchStudy(context.Background(), "nope")
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestSortStudies(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(h int) string { return base.Add(time.Duration(h) * time.Hour).Format(time.RFC3339) }
	studies := []StudyShort{
		{ID: "done-new", Status: StudyCompleted, DateCreated: at(5)},
		{ID: "paused", Status: StudyPaused, DateCreated: at(1)},
		{ID: "active-old", Status: StudyActive, DateCreated: at(1)},
		{ID: "review", Status: StudyAwaitingReview, DateCreated: at(0)},
		{ID: "active-new", Status: StudyActive, DateCreated: at(3)},
		{ID: "done-old", Status: StudyCompleted, DateCreated: at(2)},
	}
	SortStudies(studies)
	ids := make([]string, len(studies))
	for i, s := range studies {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"review", "active-new", "active-old", "paused", "done-new", "done-old"}, ids)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("PAUSE")
	require.NoError(t, err)
	assert.Equal(t, ActionPause, a)

	_, err = ParseAction("pause")
	assert.Error(t, err)
}
