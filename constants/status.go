package constants

// ItemStatus is the canonical status for rows in work_item.
type ItemStatus string

// Stable values (store these exact strings in DB).
const (
	StatusPending    ItemStatus = "pending"     // ingested or reset, claimable
	StatusInProgress ItemStatus = "in_progress" // claimed; worker_id names the owner
	StatusSuccess    ItemStatus = "success"     // terminal, result non-null
	StatusFailed     ItemStatus = "failed"      // terminal, result null
)

// AllStatuses lists every status in display order.
var AllStatuses = []ItemStatus{StatusPending, StatusInProgress, StatusSuccess, StatusFailed}

// Terminal reports whether s is an end state of a processing attempt.
func (s ItemStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ItemStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatuses converts raw strings, dropping unknown values.
func ParseStatuses(raw []string) []ItemStatus {
	out := make([]ItemStatus, 0, len(raw))
	for _, r := range raw {
		if s := ItemStatus(r); s.Valid() {
			out = append(out, s)
		}
	}
	return out
}
