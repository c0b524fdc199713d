package awsapigw

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jxskiss/gopkg/v2/json"
)

const DefinitionFile = "openapi.yaml"

const (
	extIntegration  = "x-amazon-apigateway-integration"
	extAnyMethod    = "x-amazon-apigateway-any-method"
	extKeySource    = "x-amazon-apigateway-api-key-source"
	extAuthType     = "x-amazon-apigateway-authtype"
	extAuthorizer   = "x-amazon-apigateway-authorizer"
	extRoute        = "x-gwxlate-route"
	extOrder        = "x-gwxlate-order"
	apiKeyScheme    = "api_key"
	apiKeyHeader    = "x-api-key"
	anyMethod       = "ANY"
	proxyParam      = "proxy"
	greedySuffix    = "/{proxy+}"
	jsonContentType = "application/json"

	typeHTTPProxy = "http_proxy"
	typeHTTP      = "http"
	typeMock      = "mock"

	requestHeaderParam  = "integration.request.header."
	responseHeaderParam = "method.response.header."
	proxyPathParam      = "integration.request.path.proxy"
	proxyPathSource     = "method.request.path.proxy"
)

// Integration timeouts of REST APIs.
const (
	minTimeout = 50 * time.Millisecond
	maxTimeout = 29 * time.Second
)

// Preflight response headers.
const (
	allowOrigin      = "Access-Control-Allow-Origin"
	allowMethods     = "Access-Control-Allow-Methods"
	allowHeaders     = "Access-Control-Allow-Headers"
	allowCredentials = "Access-Control-Allow-Credentials"
	maxAge           = "Access-Control-Max-Age"
)

var preflightHeaders = []string{allowOrigin, allowMethods, allowHeaders, allowCredentials, maxAge}

type integration struct {
	Type                string                          `json:"type"`
	HTTPMethod          string                          `json:"httpMethod,omitempty"`
	URI                 string                          `json:"uri,omitempty"`
	ConnectionType      string                          `json:"connectionType,omitempty"`
	TimeoutInMillis     int64                           `json:"timeoutInMillis,omitempty"`
	PassthroughBehavior string                          `json:"passthroughBehavior,omitempty"`
	RequestParameters   map[string]string               `json:"requestParameters,omitempty"`
	RequestTemplates    map[string]string               `json:"requestTemplates,omitempty"`
	Responses           map[string]*integrationResponse `json:"responses,omitempty"`
}

type integrationResponse struct {
	StatusCode         string            `json:"statusCode"`
	ResponseParameters map[string]string `json:"responseParameters,omitempty"`
	ResponseTemplates  map[string]string `json:"responseTemplates,omitempty"`
}

type authorizer struct {
	Type           string   `json:"type"`
	ProviderARNs   []string `json:"providerARNs,omitempty"`
	IdentitySource string   `json:"identitySource,omitempty"`
}

// decodeExtension converts a loaded extension value into out.
func decodeExtension(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

var (
	cognitoIssuerRE = regexp.MustCompile(`^https://cognito-idp\.([a-z0-9-]+)\.amazonaws\.com/([\w-]+_[0-9A-Za-z]+)/?$`)
	cognitoARNRE    = regexp.MustCompile(`^arn:aws[\w-]*:cognito-idp:([a-z0-9-]+):(?:\$\{AWS::AccountId\}|[0-9]*):userpool/([\w-]+_[0-9A-Za-z]+)$`)
)

// userPoolARN returns the user pool ARN of a Cognito issuer URL. The
// account id is left as a CloudFormation pseudo parameter.
func userPoolARN(issuer string) (string, bool) {
	m := cognitoIssuerRE.FindStringSubmatch(issuer)
	if m == nil {
		return "", false
	}
	return fmt.Sprintf("arn:aws:cognito-idp:%s:${AWS::AccountId}:userpool/%s", m[1], m[2]), true
}

func userPoolIssuer(arn string) (string, bool) {
	m := cognitoARNRE.FindStringSubmatch(arn)
	if m == nil {
		return "", false
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", m[1], m[2]), true
}

func cognitoSchemeName(arn string) string {
	pool := arn[strings.LastIndexByte(arn, '/')+1:]
	return "cognito_" + strings.ToLower(strings.ReplaceAll(pool, "-", "_"))
}

// staticValue quotes a literal for a parameter mapping.
func staticValue(v string) string {
	return "'" + v + "'"
}

// literal reads a quoted static value. Other mapping expressions are
// not literals.
func literal(v string) (string, bool) {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1], true
	}
	return "", false
}

func operationID(route, method string, greedy bool) string {
	id := route + "-" + strings.ToLower(method)
	if greedy {
		id += "-proxy"
	}
	return id
}
