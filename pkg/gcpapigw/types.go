package gcpapigw

import (
	"strings"

	"github.com/jxskiss/gopkg/v2/json"
)

const ConfigFile = "openapi.yaml"

const (
	extBackend      = "x-google-backend"
	extManagement   = "x-google-management"
	extQuota        = "x-google-quota"
	extEndpoints    = "x-google-endpoints"
	extIssuer       = "x-google-issuer"
	extJWKSURI      = "x-google-jwks_uri"
	extAudiences    = "x-google-audiences"
	extJWTLocations = "x-google-jwt-locations"
	extRoute        = "x-gwxlate-route"
	extOrder        = "x-gwxlate-order"

	wildcardParam  = "path"
	wildcardSuffix = "/{path=**}"
	appendPath     = "APPEND_PATH_TO_ADDRESS"
	constantPath   = "CONSTANT_ADDRESS"
	quotaUnit      = "1/min/{project}"
	standardTier   = "STANDARD"
	apiKeyScheme   = "api_key"
	apiKeyHeader   = "x-api-key"
	jwtScheme      = "jwt"
)

// The managed host name of the gateway is only known once the API
// config is deployed.
const endpointsHost = "gateway.endpoints.${PROJECT_ID}.cloud.goog"

// swaggerMethods are the methods an operation can be declared for.
var swaggerMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}

// Query parameters accepted as API key locations.
var apiKeyQueries = []string{"key", "api_key"}

type backend struct {
	Address         string  `json:"address"`
	PathTranslation string  `json:"path_translation,omitempty"`
	Deadline        float64 `json:"deadline,omitempty"`
	Protocol        string  `json:"protocol,omitempty"`
	JWTAudience     string  `json:"jwt_audience,omitempty"`
	DisableAuth     bool    `json:"disable_auth,omitempty"`
}

type management struct {
	Metrics []*metric `json:"metrics,omitempty"`
	Quota   *quota    `json:"quota,omitempty"`
}

type metric struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	ValueType   string `json:"valueType"`
	MetricKind  string `json:"metricKind"`
}

type quota struct {
	Limits []*quotaLimit `json:"limits"`
}

type quotaLimit struct {
	Name   string           `json:"name"`
	Metric string           `json:"metric"`
	Unit   string           `json:"unit"`
	Values map[string]int64 `json:"values"`
}

type quotaCosts struct {
	MetricCosts map[string]int64 `json:"metricCosts"`
}

type endpoint struct {
	Name      string `json:"name"`
	AllowCors bool   `json:"allowCors,omitempty"`
}

type jwtLocation struct {
	Header      string `json:"header,omitempty"`
	Query       string `json:"query,omitempty"`
	ValuePrefix string `json:"value_prefix,omitempty"`
}

// decodeExtension converts a parsed extension value into out.
func decodeExtension(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func operationID(route, method string, wildcard bool) string {
	id := route + "-" + strings.ToLower(method)
	if wildcard {
		id += "-all"
	}
	return id
}

func metricName(route string) string { return route + "-requests" }

func limitName(route string) string { return route + "-limit" }
