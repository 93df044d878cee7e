package prolific

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPageSize is the list page size.
const DefaultPageSize = 5

// earlyStopAge ends list paging once a whole page is older than this.
const earlyStopAge = 14 * 24 * time.Hour

// listStatuses are fetched in full after the first page so studies
// needing attention appear early.
var listStatuses = []StudyStatus{StudyAwaitingReview, StudyActive, StudyPaused}

// StudyQuery selects one page of the project's studies, newest first.
// Page 0 means unpaged.
type StudyQuery struct {
	Page     int
	PageSize int
	Status   StudyStatus
}

// FetchStudies fetches one page of the project's studies.
func (c *Client) FetchStudies(ctx context.Context, q StudyQuery) ([]StudyShort, error) {
	v := url.Values{}
	v.Set("ordering", "-date_created")
	if q.Page > 0 {
		size := q.PageSize
		if size <= 0 {
			size = DefaultPageSize
		}
		v.Set("page_size", strconv.Itoa(size))
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	var resp struct {
		Results []StudyShort `json:"results"`
	}
	path := fmt.Sprintf("/projects/%s/studies?%s", c.projectID, v.Encode())
	if err := c.Request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// StudyList streams the project's studies in batches: the first page,
// then every study in a status needing attention, then the remaining
// pages until one comes back empty or holds only studies older than two
// weeks. Batches may repeat studies.
func (c *Client) StudyList(ctx context.Context, pageSize int, now func() time.Time) iter.Seq2[[]StudyShort, error] {
	return func(yield func([]StudyShort, error) bool) {
		first, err := c.FetchStudies(ctx, StudyQuery{Page: 1, PageSize: pageSize})
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(first, nil) {
			return
		}

		byStatus := make([][]StudyShort, len(listStatuses))
		g, gctx := errgroup.WithContext(ctx)
		for i, st := range listStatuses {
			g.Go(func() error {
				studies, err := c.FetchStudies(gctx, StudyQuery{Status: st})
				byStatus[i] = studies
				return err
			})
		}
		if err := g.Wait(); err != nil {
			yield(nil, err)
			return
		}
		for _, studies := range byStatus {
			if len(studies) == 0 {
				continue
			}
			if !yield(studies, nil) {
				return
			}
		}

		cutoff := now().Add(-earlyStopAge)
		for page := 2; ; page++ {
			studies, err := c.FetchStudies(ctx, StudyQuery{Page: page, PageSize: pageSize})
			if err != nil {
				yield(nil, err)
				return
			}
			if len(studies) == 0 {
				return
			}
			if !yield(studies, nil) {
				return
			}
			allOld := true
			for _, s := range studies {
				if !s.Created().Before(cutoff) {
					allOld = false
					break
				}
			}
			if allOld {
				slog.Debug("early stop: all studies in page older than two weeks", "page", page)
				return
			}
		}
	}
}

// FetchStudy fetches a study with its submissions.
func (c *Client) FetchStudy(ctx context.Context, studyID string) (StudyFull, error) {
	var (
		details StudyDetails
		subs    struct {
			Results []Submission `json:"results"`
		}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Request(gctx, http.MethodGet, "/studies/"+studyID, nil, &details)
	})
	g.Go(func() error {
		return c.Request(gctx, http.MethodGet, "/studies/"+studyID+"/submissions", nil, &subs)
	})
	if err := g.Wait(); err != nil {
		return StudyFull{}, err
	}
	if subs.Results == nil {
		subs.Results = []Submission{}
	}
	return StudyFull{StudyDetails: details, Submissions: subs.Results}, nil
}
