package gateway

import (
	"net/http"
	"strings"
)

// Outcome is the router's verdict on one upstream attempt.
type Outcome int

const (
	// OutcomeForward passes the response to the client as-is. Client
	// errors (4xx outside the signature lists) are the caller's problem,
	// not the account's.
	OutcomeForward Outcome = iota
	// OutcomeAccountAuth means the account's credentials were rejected.
	OutcomeAccountAuth
	// OutcomeAccountCapacity means the account hit its quota or rate limit.
	OutcomeAccountCapacity
	// OutcomeAccountSoft is a transient upstream error attributed to the
	// account attempt.
	OutcomeAccountSoft
	// OutcomeSiteFailure means the site itself is unusable: the anti-bot
	// layer intercepted the request or the connection failed.
	OutcomeSiteFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeForward:
		return "forward"
	case OutcomeAccountAuth:
		return "account_auth"
	case OutcomeAccountCapacity:
		return "account_capacity"
	case OutcomeAccountSoft:
		return "account_soft"
	case OutcomeSiteFailure:
		return "site_failure"
	default:
		return "unknown"
	}
}

// Signatures configures how responses are classified. The defaults match
// the upstream's observed behavior; deployments against a different
// upstream override them in config.
type Signatures struct {
	AuthStatuses        []int    `mapstructure:"auth_statuses"`
	CapacityStatuses    []int    `mapstructure:"capacity_statuses"`
	CapacityBodyMarkers []string `mapstructure:"capacity_body_markers"`
	BlockedContentTypes []string `mapstructure:"blocked_content_types"`
}

// DefaultSignatures mirrors the production defaults.
func DefaultSignatures() Signatures {
	return Signatures{
		AuthStatuses:        []int{http.StatusUnauthorized, http.StatusForbidden},
		CapacityStatuses:    []int{http.StatusTooManyRequests},
		CapacityBodyMarkers: []string{"负载已经达到上限", "rate limit"},
		BlockedContentTypes: []string{"text/html"},
	}
}

// Classifier decides the outcome of one upstream attempt. body holds a
// bounded prefix of the response body and is empty for 2xx responses.
type Classifier func(status int, header http.Header, body []byte, err error) Outcome

// NewClassifier builds the default classifier from signatures.
func NewClassifier(sig Signatures) Classifier {
	authStatuses := toSet(sig.AuthStatuses)
	capacityStatuses := toSet(sig.CapacityStatuses)

	return func(status int, header http.Header, body []byte, err error) Outcome {
		if err != nil {
			return OutcomeSiteFailure
		}

		contentType := strings.ToLower(header.Get("Content-Type"))
		for _, blocked := range sig.BlockedContentTypes {
			if strings.Contains(contentType, blocked) {
				return OutcomeSiteFailure
			}
		}

		if authStatuses[status] {
			return OutcomeAccountAuth
		}
		if capacityStatuses[status] {
			return OutcomeAccountCapacity
		}
		if len(body) > 0 {
			lower := strings.ToLower(string(body))
			for _, marker := range sig.CapacityBodyMarkers {
				if strings.Contains(lower, strings.ToLower(marker)) {
					return OutcomeAccountCapacity
				}
			}
		}
		if status >= http.StatusInternalServerError {
			return OutcomeAccountSoft
		}
		return OutcomeForward
	}
}

func toSet(statuses []int) map[int]bool {
	set := make(map[int]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}
