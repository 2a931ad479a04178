package nats

import (
	"fmt"
	"strings"
)

// Subject hierarchy and bucket names.
//
//	campaigns.action.{class}    -- request/reply step execution
//	campaigns.alerts.{source}   -- operator alerts (persisted in the alert stream)
const (
	SubjectPrefix    = "campaigns"
	AlertsStreamName = "CAMPAIGNS_ALERTS"

	// KV bucket names
	BucketCampaigns = "campaigns"
	BucketOwners    = "campaign-owners"
	BucketProxies   = "campaign-proxies"
	BucketAccounts  = "campaign-accounts"
)

// ActionSubject returns the request subject served by the action workers of
// a campaign class.
// Example: campaigns.action.carts
func ActionSubject(class string) string {
	return fmt.Sprintf("%s.action.%s", SubjectPrefix, subjectToken(class))
}

// AlertSubject returns the subject alerts from source are published on.
// Example: campaigns.alerts.executor
func AlertSubject(source string) string {
	return fmt.Sprintf("%s.alerts.%s", SubjectPrefix, subjectToken(source))
}

// AlertsAllSubject returns the wildcard subject for all alerts.
func AlertsAllSubject() string {
	return fmt.Sprintf("%s.alerts.>", SubjectPrefix)
}

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
