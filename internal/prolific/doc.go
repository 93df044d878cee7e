// Package prolific manages studies on the Prolific recruitment platform.
//
// Client wraps the REST API. Every Request first checks the token and
// project id (GET /projects/{id}) and fails closed with ErrStatus unless
// the check passes within the status timeout.
//
// Service layers a stale-while-revalidate cache (listcache) over the
// project's studies and implements the researcher workflows:
//
//	CreateStudy        study from a CUE-validated YAML config
//	Transition         PUBLISH, PAUSE, STOP, START
//	UpdatePlaces       regenerates per-place access links
//	ProposeApprovals   then Confirm to bulk approve
//	ProposeBonuses     then Confirm to pay
//
// Confirm steps poll the study with WatchStudy until the platform reflects
// the change.
package prolific
