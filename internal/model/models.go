// Package model defines domain structs shared across the scheduler,
// probe engine, sinks and persistence layer.
package model

// Status is the externally visible state of a target.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDisabled Status = "disabled"
)

// DetailedStatus is the four-way probe classification.
type DetailedStatus string

const (
	DetailedUp                 DetailedStatus = "UP"
	DetailedRedirect           DetailedStatus = "REDIRECT"
	DetailedReachableWithError DetailedStatus = "REACHABLE_WITH_ERROR"
	DetailedDown               DetailedStatus = "DOWN"
)

// Status code sentinels used when no HTTP status was obtained.
const (
	CodeConnectionError = 0
	CodeTimeout         = -1
)

// TargetKind selects method and framing defaults for HTTP probes.
type TargetKind string

const (
	KindWebsite      TargetKind = "website"
	KindRestEndpoint TargetKind = "rest_endpoint"
)

// BodyValidator configures response-body validation.
// JSONPath is declared but currently parse-only (see probe package).
type BodyValidator struct {
	ContainsText  []string `json:"contains_text,omitempty"`
	JSONPath      string   `json:"json_path,omitempty"`
	ExpectedValue string   `json:"expected_value,omitempty"`
}

// TargetMeta holds resolved DNS/GeoIP metadata for a target.
// All fields are best-effort; empty means unknown.
type TargetMeta struct {
	Hostname  string  `json:"hostname,omitempty"`
	PrimaryIP string  `json:"primary_ip,omitempty"`
	IPsJSON   string  `json:"ips_json,omitempty"`
	IPFamily  string  `json:"ip_family,omitempty"` // "v4" | "v6"
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	Lon       float64 `json:"lon,omitempty"`
	ASN       uint    `json:"asn,omitempty"`
	Org       string  `json:"org,omitempty"`
	ISP       string  `json:"isp,omitempty"`
}

// IsZero reports whether no metadata field is populated.
func (m TargetMeta) IsZero() bool {
	return m == TargetMeta{}
}

// EdgeHints carries CDN/edge attribution extracted from response headers.
type EdgeHints struct {
	CDNProvider string `json:"cdn_provider,omitempty"`
	EdgePoP     string `json:"edge_pop,omitempty"`
	EdgeRayID   string `json:"edge_ray_id,omitempty"`
	HeadersJSON string `json:"headers_json,omitempty"`
}

// SSLCertInfo is a snapshot of the leaf certificate seen during an
// HTTPS probe.
type SSLCertInfo struct {
	FingerprintSHA256 string `json:"fingerprint_sha256"`
	Issuer            string `json:"issuer,omitempty"`
	Subject           string `json:"subject,omitempty"`
	NotBeforeMs       int64  `json:"not_before_ms,omitempty"`
	NotAfterMs        int64  `json:"not_after_ms,omitempty"`
	LastCheckedMs     int64  `json:"last_checked_ms,omitempty"`
}

// StageTimings attributes elapsed time to connection stages.
// A zero value means the stage did not occur (e.g. TLS on plain HTTP).
type StageTimings struct {
	DNSMs     int64 `json:"dns_ms,omitempty"`
	ConnectMs int64 `json:"connect_ms,omitempty"`
	TLSMs     int64 `json:"tls_ms,omitempty"`
	TTFBMs    int64 `json:"ttfb_ms,omitempty"`
}

// Target is a monitored endpoint. Owned by the store; the scheduler
// mutates it only through sparse MutationUpdate field maps.
type Target struct {
	ID     string     `json:"id"`
	UserID string     `json:"user_id"`
	URL    string     `json:"url"`
	Name   string     `json:"name"`
	Kind   TargetKind `json:"kind"`
	Region string     `json:"region"` // empty = unassigned

	IntervalMinutes     int            `json:"interval_minutes"`
	HTTPMethod          string         `json:"http_method,omitempty"`
	ExpectedStatusCodes []int          `json:"expected_status_codes,omitempty"`
	HeadersJSON         string         `json:"headers_json,omitempty"`
	RequestBody         string         `json:"request_body,omitempty"`
	Validator           *BodyValidator `json:"validator,omitempty"`
	ResponseTimeLimitMs int64          `json:"response_time_limit_ms,omitempty"`
	CacheNoCache        bool           `json:"cache_no_cache,omitempty"`

	Status             Status         `json:"status"`
	DetailedStatus     DetailedStatus `json:"detailed_status,omitempty"`
	LastStatusCode     int            `json:"last_status_code,omitempty"`
	LastResponseTimeMs int64          `json:"last_response_time_ms,omitempty"`
	LastError          string         `json:"last_error,omitempty"`

	ConsecutiveFailures  int   `json:"consecutive_failures"`
	ConsecutiveSuccesses int   `json:"consecutive_successes"`
	FirstFailureAtMs     int64 `json:"first_failure_at_ms,omitempty"`

	LastCheckedAtMs int64 `json:"last_checked_at_ms,omitempty"`
	NextCheckAtMs   int64 `json:"next_check_at_ms,omitempty"`
	LastHistoryAtMs int64 `json:"last_history_at_ms,omitempty"`

	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	DisabledAtMs   int64  `json:"disabled_at_ms,omitempty"`

	PendingDownAlert bool  `json:"pending_down_alert"`
	PendingUpAlert   bool  `json:"pending_up_alert"`
	PendingSinceMs   int64 `json:"pending_since_ms,omitempty"`

	Meta              TargetMeta `json:"meta,omitempty"`
	MetaLastCheckedMs int64      `json:"meta_last_checked_ms,omitempty"`

	Cert *SSLCertInfo `json:"cert,omitempty"`

	// CheckHash identifies the probe-relevant configuration. A change
	// invalidates the failure streak (see sched transition logic).
	CheckHash  string `json:"check_hash,omitempty"`
	OrderIndex int    `json:"order_index,omitempty"`
	Tier       string `json:"tier,omitempty"`
}

// ProbeResult is the outcome of exactly one probe attempt.
type ProbeResult struct {
	Status         Status         `json:"status"`
	DetailedStatus DetailedStatus `json:"detailed_status"`
	StatusCode     int            `json:"status_code"` // 0 connect error, -1 timeout
	ResponseTimeMs int64          `json:"response_time_ms"`
	Timings        StageTimings   `json:"timings"`
	Error          string         `json:"error,omitempty"`

	BodySnippet      string `json:"-"` // first chunk, <= 8 KiB
	RedirectLocation string `json:"redirect_location,omitempty"`

	Meta  *TargetMeta  `json:"meta,omitempty"`
	Hints *EdgeHints   `json:"hints,omitempty"`
	Cert  *SSLCertInfo `json:"cert,omitempty"`

	UsedMethod string `json:"used_method,omitempty"`
	UsedRange  bool   `json:"used_range,omitempty"`
}

// TelemetryRow is one buffered probe observation bound for the warehouse.
type TelemetryRow struct {
	ID             string       `json:"id"`
	TargetID       string       `json:"target_id"`
	UserID         string       `json:"user_id"`
	TimestampMs    int64        `json:"timestamp_ms"`
	Status         string       `json:"status"`
	StatusCode     int          `json:"status_code"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	Error          string       `json:"error,omitempty"`
	Timings        StageTimings `json:"timings"`
	Meta           TargetMeta   `json:"meta,omitempty"`
	Hints          EdgeHints    `json:"hints,omitempty"`
}

// MutationUpdate is a sparse field update for one target.
// Fields use the Field* key constants; merge is last-write-wins per field.
type MutationUpdate struct {
	TargetID string
	Fields   map[string]any
}

// Mutation field keys. These are the only keys the store will apply.
const (
	FieldStatus               = "status"
	FieldDetailedStatus       = "detailed_status"
	FieldLastStatusCode       = "last_status_code"
	FieldLastResponseTimeMs   = "last_response_time_ms"
	FieldLastError            = "last_error"
	FieldConsecutiveFailures  = "consecutive_failures"
	FieldConsecutiveSuccesses = "consecutive_successes"
	FieldFirstFailureAtMs     = "first_failure_at_ms"
	FieldLastCheckedAtMs      = "last_checked_at_ms"
	FieldNextCheckAtMs        = "next_check_at_ms"
	FieldLastHistoryAtMs      = "last_history_at_ms"
	FieldRegion               = "region"
	FieldDisabled             = "disabled"
	FieldDisabledReason       = "disabled_reason"
	FieldDisabledAtMs         = "disabled_at_ms"
	FieldPendingDownAlert     = "pending_down_alert"
	FieldPendingUpAlert       = "pending_up_alert"
	FieldPendingSinceMs       = "pending_since_ms"
	FieldMetaJSON             = "meta_json"
	FieldMetaLastCheckedMs    = "meta_last_checked_ms"
	FieldCertJSON             = "cert_json"
	FieldCheckHash            = "check_hash"
)
