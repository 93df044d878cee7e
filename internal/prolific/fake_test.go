package prolific

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	goodToken = "token-0123456789"
	projectID = "project-0123456789"
)

// fakeAPI is an in-memory stand-in for the platform API.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	studies  map[string]*StudyFull
	created  []StudyPayload
	patches  []map[string]any
	bonuses  map[string]string
	requests []string
	nextID   int
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{t: t, studies: map[string]*StudyFull{}, bonuses: map[string]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{pid}/{$}", f.project)
	mux.HandleFunc("GET /projects/{pid}/studies/{$}", f.list)
	mux.HandleFunc("POST /studies/{$}", f.create)
	mux.HandleFunc("GET /studies/{id}/{$}", f.study)
	mux.HandleFunc("PATCH /studies/{id}/{$}", f.patch)
	mux.HandleFunc("DELETE /studies/{id}/{$}", f.delete)
	mux.HandleFunc("GET /studies/{id}/submissions/{$}", f.submissions)
	mux.HandleFunc("POST /studies/{id}/transition/{$}", f.transition)
	mux.HandleFunc("POST /submissions/bulk-approve/{$}", f.approve)
	mux.HandleFunc("POST /submissions/bonus-payments/{$}", f.createBonus)
	mux.HandleFunc("POST /bulk-bonus-payments/{id}/pay/{$}", f.payBonus)
	mux.HandleFunc("GET /broken/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "not json at all")
	})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path+queryPart(r))
		f.mu.Unlock()
		if r.Header.Get("Authorization") != "Token "+goodToken {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error": "bad token"}`)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func queryPart(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func (f *fakeAPI) client(opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithBaseURL(f.srv.URL), WithToken(goodToken)}, opts...)
	return NewClient(projectID, opts...)
}

func (f *fakeAPI) add(id string, status StudyStatus, created time.Time, subs ...Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subs == nil {
		subs = []Submission{}
	}
	f.studies[id] = &StudyFull{
		StudyDetails: StudyDetails{
			StudyShort: StudyShort{
				ID:                   id,
				Name:                 "Study " + id,
				InternalName:         id,
				Status:               status,
				DateCreated:          created.UTC().Format(time.RFC3339),
				TotalAvailablePlaces: 10,
				Reward:               150,
			},
			CompletionCodes: []CompletionCodeSpec{{Code: "DONE123", CodeType: "COMPLETED"}},
			AccessDetails:   []AccessDetail{{ExternalURL: "https://x/exp", TotalAllocation: 10}},
		},
		Submissions: subs,
	}
}

func (f *fakeAPI) requested(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func (f *fakeAPI) decode(r *http.Request, dst any) {
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(dst))
}

func (f *fakeAPI) project(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("pid") != projectID {
		f.writeJSON(w, http.StatusNotFound, map[string]any{"error": "no project"})
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"id": projectID})
}

func (f *fakeAPI) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	all := make([]StudyShort, 0, len(f.studies))
	for _, s := range f.studies {
		all = append(all, s.StudyShort)
	}
	f.mu.Unlock()
	slices.SortFunc(all, func(a, b StudyShort) int { return b.Created().Compare(a.Created()) })

	q := r.URL.Query()
	if st := q.Get("status"); st != "" {
		all = slices.DeleteFunc(all, func(s StudyShort) bool { return string(s.Status) != st })
	}
	if page, _ := strconv.Atoi(q.Get("page")); page > 0 {
		size, _ := strconv.Atoi(q.Get("page_size"))
		lo := min((page-1)*size, len(all))
		hi := min(lo+size, len(all))
		all = all[lo:hi]
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"results": all})
}

func (f *fakeAPI) create(w http.ResponseWriter, r *http.Request) {
	var p StudyPayload
	f.decode(r, &p)
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("new%d", f.nextID)
	f.created = append(f.created, p)
	f.mu.Unlock()
	f.add(id, StudyUnpublished, time.Now())
	f.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (f *fakeAPI) get(w http.ResponseWriter, r *http.Request) (*StudyFull, bool) {
	f.mu.Lock()
	s, ok := f.studies[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		f.writeJSON(w, http.StatusNotFound, map[string]any{"error": "no study"})
	}
	return s, ok
}

func (f *fakeAPI) study(w http.ResponseWriter, r *http.Request) {
	if s, ok := f.get(w, r); ok {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.writeJSON(w, http.StatusOK, s.StudyDetails)
	}
}

func (f *fakeAPI) submissions(w http.ResponseWriter, r *http.Request) {
	if s, ok := f.get(w, r); ok {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.writeJSON(w, http.StatusOK, map[string]any{"results": s.Submissions})
	}
}

func (f *fakeAPI) patch(w http.ResponseWriter, r *http.Request) {
	s, ok := f.get(w, r)
	if !ok {
		return
	}
	var body map[string]any
	f.decode(r, &body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, body)
	if n, ok := body["total_available_places"].(float64); ok {
		s.TotalAvailablePlaces = int(n)
	}
	if ad, ok := body["access_details"].([]any); ok {
		s.TotalAvailablePlaces = len(ad)
	}
	f.writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeAPI) delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := f.get(w, r); ok {
		f.mu.Lock()
		delete(f.studies, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeAPI) transition(w http.ResponseWriter, r *http.Request) {
	s, ok := f.get(w, r)
	if !ok {
		return
	}
	var body struct {
		Action Action `json:"action"`
	}
	f.decode(r, &body)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch body.Action {
	case ActionPublish, ActionStart:
		s.Status = StudyActive
	case ActionPause:
		s.Status = StudyPaused
	case ActionStop:
		s.Status = StudyAwaitingReview
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"status": s.Status})
}

func (f *fakeAPI) approve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubmissionIDs []string `json:"submission_ids"`
	}
	f.decode(r, &body)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.studies {
		for i := range s.Submissions {
			if slices.Contains(body.SubmissionIDs, s.Submissions[i].ID) {
				s.Submissions[i].Status = SubmissionApproved
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAPI) createBonus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StudyID    string `json:"study_id"`
		CSVBonuses string `json:"csv_bonuses"`
	}
	f.decode(r, &body)
	var total float64
	for _, line := range strings.Split(body.CSVBonuses, "\n") {
		_, amount, _ := strings.Cut(line, ",")
		v, err := strconv.ParseFloat(amount, 64)
		require.NoError(f.t, err)
		total += v
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("bonus%d", f.nextID)
	f.bonuses[id] = body.StudyID + "|" + body.CSVBonuses
	f.mu.Unlock()
	f.writeJSON(w, http.StatusCreated, map[string]any{"id": id, "total_amount": total})
}

func (f *fakeAPI) payBonus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.bonuses[r.PathValue("id")]
	if !ok {
		f.writeJSON(w, http.StatusNotFound, map[string]any{})
		return
	}
	studyID, csv, _ := strings.Cut(entry, "|")
	s := f.studies[studyID]
	for _, line := range strings.Split(csv, "\n") {
		pid, amount, _ := strings.Cut(line, ",")
		v, _ := strconv.ParseFloat(amount, 64)
		for i := range s.Submissions {
			if s.Submissions[i].ParticipantID == pid {
				s.Submissions[i].BonusPayments = append(s.Submissions[i].BonusPayments, math.Round(v*100))
			}
		}
	}
	delete(f.bonuses, r.PathValue("id"))
	f.writeJSON(w, http.StatusOK, map[string]any{})
}
