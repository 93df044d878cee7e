package prolific

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/roach88/labrun/internal/clock"
	"github.com/roach88/labrun/internal/lifecycle"
	"github.com/roach88/labrun/internal/listcache"
	"github.com/roach88/labrun/internal/session"
)

// Service defaults.
const (
	DefaultRefreshInterval = time.Minute
	DefaultWatchInterval   = 2 * time.Second
	DefaultWatchMaxCalls   = 30
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Store persists the study cache. Nil keeps it in memory.
	Store listcache.Persister

	Clock           clock.Clock
	PageSize        int
	RefreshInterval time.Duration

	// PublicURL is the experiment's base URL used for access links.
	PublicURL string

	// Version seeds the completion codes of created studies.
	Version string

	WatchInterval time.Duration
	WatchMaxCalls int
}

// Service manages the project's studies through a stale-while-revalidate
// cache.
type Service struct {
	client *Client
	cache  *listcache.Cache
	cfg    ServiceConfig
}

// NewService creates a service and loads any persisted study cache.
func NewService(ctx context.Context, client *Client, cfg ServiceConfig) (*Service, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}
	if cfg.WatchMaxCalls <= 0 {
		cfg.WatchMaxCalls = DefaultWatchMaxCalls
	}

	s := &Service{client: client, cfg: cfg}
	cache, err := listcache.New(ctx, listcache.Config{
		Name:               "prolific_studies_" + client.ProjectID(),
		FetchList:          s.fetchList,
		FetchItem:          s.fetchItem,
		Less:               lessStudyItems,
		MinRefreshInterval: cfg.RefreshInterval,
		Store:              cfg.Store,
		Clock:              cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// Client returns the underlying API client.
func (s *Service) Client() *Client {
	return s.client
}

// Close stops background refreshes.
func (s *Service) Close() {
	s.cache.Close()
}

func (s *Service) fetchList(ctx context.Context) iter.Seq2[[]listcache.Item, error] {
	return func(yield func([]listcache.Item, error) bool) {
		for batch, err := range s.client.StudyList(ctx, s.cfg.PageSize, s.cfg.Clock.Now) {
			if err != nil {
				yield(nil, err)
				return
			}
			items := make([]listcache.Item, 0, len(batch))
			for _, study := range batch {
				it, err := toItem(study)
				if err != nil {
					yield(nil, err)
					return
				}
				items = append(items, it)
			}
			if !yield(items, nil) {
				return
			}
		}
	}
}

func (s *Service) fetchItem(ctx context.Context, id string) (listcache.Item, error) {
	study, err := s.client.FetchStudy(ctx, id)
	if err != nil {
		return nil, err
	}
	return toItem(study)
}

func lessStudyItems(a, b listcache.Item) int {
	sa, _ := fromItem[StudyShort](a)
	sb, _ := fromItem[StudyShort](b)
	return CompareStudies(sa, sb)
}

// Studies returns the cached study list, sorted with studies needing
// attention first, and starts a refresh when it is stale.
func (s *Service) Studies() ([]StudyShort, error) {
	return decodeStudies(s.cache.List())
}

// StudiesAsync refreshes the study list and returns it.
func (s *Service) StudiesAsync(ctx context.Context) ([]StudyShort, error) {
	items, err := s.cache.ListAsync(ctx)
	if err != nil {
		return nil, err
	}
	return decodeStudies(items)
}

func decodeStudies(items []listcache.Item) ([]StudyShort, error) {
	out := make([]StudyShort, 0, len(items))
	for _, it := range items {
		st, err := fromItem[StudyShort](it)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Study fetches the full form of a study.
func (s *Service) Study(ctx context.Context, studyID string) (StudyFull, error) {
	it, err := s.cache.ItemAsync(ctx, studyID)
	if err != nil {
		return StudyFull{}, err
	}
	return fromItem[StudyFull](it)
}

// CachedStudy returns whatever the cache holds for a study without
// waiting.
func (s *Service) CachedStudy(studyID string) (StudyShort, bool) {
	st := s.cache.Item(studyID)
	if st.Item == nil {
		return StudyShort{}, false
	}
	short, err := fromItem[StudyShort](st.Item)
	return short, err == nil
}

func (s *Service) store(study StudyFull) error {
	it, err := toItem(study)
	if err != nil {
		return err
	}
	return s.cache.UpdateItem(it, s.cfg.Clock.Now())
}

func (s *Service) refetch(ctx context.Context, studyID string) (StudyFull, error) {
	study, err := s.client.FetchStudy(ctx, studyID)
	if err != nil {
		return StudyFull{}, err
	}
	if err := s.store(study); err != nil {
		return StudyFull{}, err
	}
	return study, nil
}

// AccessDetails builds one single-use link per place so every participant
// gets its own assignment.
func (s *Service) AccessDetails(places int) []AccessDetail {
	base := s.cfg.PublicURL + "/exp?PROLIFIC_PID={{%PROLIFIC_PID%}}&STUDY_ID={{%STUDY_ID%}}&SESSION_ID={{%SESSION_ID%}}"
	out := make([]AccessDetail, places)
	for i := range places {
		out[i] = AccessDetail{ExternalURL: fmt.Sprintf("%s&assignment=%d", base, i), TotalAllocation: 1}
	}
	return out
}

// CompletionCodes returns the completion codes of a new study.
func (s *Service) CompletionCodes() []CompletionCodeSpec {
	actions := map[session.CodeType][]CompletionCodeAction{
		session.CodeCompleted: {{Action: "MANUALLY_REVIEW"}},
		session.CodeError:     {{Action: "REQUEST_RETURN", ReturnReason: "Experiment was not completed due to an error."}},
		session.CodeAborted:   {{Action: "REQUEST_RETURN", ReturnReason: "Experiment was not completed."}},
		session.CodeTimeout:   {{Action: "REQUEST_RETURN", ReturnReason: "Did not begin study promptly."}},
	}
	out := make([]CompletionCodeSpec, 0, len(session.CodeTypes))
	for _, ct := range session.CodeTypes {
		out = append(out, CompletionCodeSpec{
			Code:     session.CompletionCode(ct, s.cfg.Version),
			CodeType: string(ct),
			Actions:  actions[ct],
		})
	}
	return out
}

// BuildPayload turns a config into a creation payload. Every study the
// project already ran is added to the previous-studies blocklist.
func (s *Service) BuildPayload(cfg StudyConfig, internalName string, previous []string) StudyPayload {
	var filters []Filter
	if cfg.Eligibility != nil {
		filters = EligibilityToFilters(*cfg.Eligibility)
	} else {
		filters = slices.Clone(cfg.Filters)
	}

	blocked := false
	for i := range filters {
		if filters[i].FilterID != FilterPreviousStudies {
			continue
		}
		values := slices.Clone(filters[i].SelectedValues)
		for _, id := range previous {
			if !slices.Contains(values, id) {
				values = append(values, id)
			}
		}
		filters[i].SelectedValues = values
		blocked = true
	}
	if !blocked {
		filters = append(filters, Filter{FilterID: FilterPreviousStudies, SelectedValues: slices.Clone(previous)})
	}

	devices := cfg.DeviceCompatibility
	if len(devices) == 0 {
		devices = []string{"desktop"}
	}
	return StudyPayload{
		Name:                    cfg.Name,
		InternalName:            internalName,
		Description:             cfg.Description,
		ProlificIDOption:        "url_parameters",
		TotalAvailablePlaces:    cfg.TotalAvailablePlaces,
		EstimatedCompletionTime: cfg.EstimatedCompletionTime,
		MaximumAllowedTime:      cfg.MaximumAllowedTime,
		Reward:                  cfg.Reward,
		CurrencyCode:            "USD",
		DeviceCompatibility:     devices,
		Project:                 s.client.ProjectID(),
		Filters:                 filters,
		SubmissionsConfig: &SubmissionsConfig{
			MaxSubmissionsPerParticipant: 1,
			MaxConcurrentSubmissions:     -1,
			AutoRejectionCategories:      []string{"EXCEPTIONALLY_FAST"},
		},
		AccessDetails:   s.AccessDetails(cfg.TotalAvailablePlaces),
		CompletionCodes: s.CompletionCodes(),
	}
}

// CreateStudy creates an unpublished study from cfg.
func (s *Service) CreateStudy(ctx context.Context, cfg StudyConfig, internalName string) (StudyFull, error) {
	existing, err := s.StudiesAsync(ctx)
	if err != nil {
		return StudyFull{}, fmt.Errorf("list previous studies: %w", err)
	}
	previous := make([]string, len(existing))
	for i, st := range existing {
		previous[i] = st.ID
	}

	var created struct {
		ID string `json:"id"`
	}
	payload := s.BuildPayload(cfg, internalName, previous)
	if err := s.client.Request(ctx, http.MethodPost, "/studies/", payload, &created); err != nil {
		return StudyFull{}, err
	}
	if created.ID == "" {
		return StudyFull{}, &Error{Method: http.MethodPost, Path: "/studies/", Message: "response carries no study id"}
	}
	slog.Info("study created", "study", created.ID, "places", cfg.TotalAvailablePlaces)
	return s.refetch(ctx, created.ID)
}

// Transition applies a lifecycle action to a study.
func (s *Service) Transition(ctx context.Context, studyID string, action Action) (StudyFull, error) {
	path := fmt.Sprintf("/studies/%s/transition/", studyID)
	if err := s.client.Request(ctx, http.MethodPost, path, map[string]any{"action": action}, nil); err != nil {
		return StudyFull{}, err
	}
	slog.Info("study transitioned", "study", studyID, "action", action)
	return s.refetch(ctx, studyID)
}

// DeleteStudy deletes a study.
func (s *Service) DeleteStudy(ctx context.Context, studyID string) error {
	if err := s.client.Request(ctx, http.MethodDelete, "/studies/"+studyID, nil, nil); err != nil {
		return err
	}
	s.cache.DeleteItem(studyID)
	return nil
}

// UpdatePlaces sets a study's total places. Studies with per-place access
// links get a regenerated link list instead of a bare count.
func (s *Service) UpdatePlaces(ctx context.Context, studyID string, total int) (StudyFull, error) {
	if total <= 0 {
		return StudyFull{}, &ValidationError{Field: "places", Reason: fmt.Sprintf("total must be positive, got %d", total)}
	}
	study, err := s.Study(ctx, studyID)
	if err != nil {
		return StudyFull{}, err
	}
	body := map[string]any{"total_available_places": total}
	if study.AccessDetails != nil {
		body = map[string]any{"access_details": s.AccessDetails(total)}
	}
	if err := s.client.Request(ctx, http.MethodPatch, "/studies/"+studyID+"/", body, nil); err != nil {
		return StudyFull{}, err
	}
	return s.refetch(ctx, studyID)
}

// AddPlaces grows a study by additional places.
func (s *Service) AddPlaces(ctx context.Context, studyID string, additional int) (StudyFull, error) {
	study, err := s.Study(ctx, studyID)
	if err != nil {
		return StudyFull{}, err
	}
	return s.UpdatePlaces(ctx, studyID, study.TotalAvailablePlaces+additional)
}

// WatchOptions controls WatchStudy.
type WatchOptions struct {
	Interval time.Duration
	MaxCalls int
	// Until stops the watch when it returns true.
	Until func(StudyFull) bool
}

// WatchStudy refetches a study every interval until opts.Until holds. It
// returns ErrWatchExhausted after MaxCalls fetches.
func (s *Service) WatchStudy(ctx context.Context, studyID string, opts WatchOptions) (StudyFull, error) {
	if opts.Interval <= 0 {
		opts.Interval = s.cfg.WatchInterval
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = s.cfg.WatchMaxCalls
	}
	var last StudyFull
	for call := range opts.MaxCalls {
		if call > 0 {
			if err := lifecycle.Sleep(ctx, s.cfg.Clock, opts.Interval); err != nil {
				return last, err
			}
		}
		study, err := s.refetch(ctx, studyID)
		if err != nil {
			slog.Warn("watch fetch failed", "study", studyID, "error", err)
			continue
		}
		last = study
		if opts.Until == nil || opts.Until(study) {
			return study, nil
		}
	}
	return last, ErrWatchExhausted
}
