package model

type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictFlag  Verdict = "flag"
	VerdictBlock Verdict = "block"
)

// Decision is the fraud pre-check outcome. Block prevents the entry from
// being created; flag commits but queues the entry for priority post-check.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}
