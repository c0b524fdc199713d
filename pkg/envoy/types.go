package envoy

import (
	accesslogv3 "github.com/envoyproxy/go-control-plane/envoy/config/accesslog/v3"
	filev3 "github.com/envoyproxy/go-control-plane/envoy/extensions/access_loggers/file/v3"
	apikeyv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/api_key_auth/v3"
	basicauthv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/basic_auth/v3"
	corsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/cors/v3"
	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/local_ratelimit/v3"
	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"github.com/envoyproxy/go-control-plane/pkg/wellknown"
	"github.com/jxskiss/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"sigs.k8s.io/yaml"

	"github.com/jxskiss/gwxlate/pkg/values"
	"github.com/jxskiss/gwxlate/pkg/xlate"
)

// BootstrapFile is the name of the generated file.
const BootstrapFile = "envoy.yaml"

const (
	listenerName         = "ingress_http"
	routeConfigName      = "local_route"
	virtualHostName      = "gateway"
	jwksClusterPrefix    = "jwks__"
	defaultAccessLogPath = "/dev/stdout"
	defaultAdminPort     = 9901

	methodHeader   = ":method"
	pathHeader     = ":path"
	anyOriginRegex = ".*"

	runtimeRateLimitEnabled  = "local_rate_limit_enabled"
	runtimeRateLimitEnforced = "local_rate_limit_enforced"
)

// Filter names without a wellknown constant.
const (
	filterLocalRateLimit = "envoy.filters.http.local_ratelimit"
	filterJWTAuthn       = "envoy.filters.http.jwt_authn"
	filterBasicAuth      = "envoy.filters.http.basic_auth"
	filterAPIKeyAuth     = "envoy.filters.http.api_key_auth"
)

var httpFilterOrder = []string{
	wellknown.CORS,
	filterJWTAuthn,
	filterBasicAuth,
	filterAPIKeyAuth,
	filterLocalRateLimit,
	wellknown.Lua,
	wellknown.Router,
}

var (
	defaultHealthInterval = values.Seconds(10)
	defaultHealthTimeout  = values.Seconds(2)
)

const (
	defaultHealthyThreshold   = 2
	defaultUnhealthyThreshold = 3
)

type (
	localRateLimit     = ratelimitv3.LocalRateLimit
	basicAuth          = basicauthv3.BasicAuth
	basicAuthPerRoute  = basicauthv3.BasicAuthPerRoute
	apiKeyAuth         = apikeyv3.ApiKeyAuth
	apiKeyAuthPerRoute = apikeyv3.ApiKeyAuthPerRoute
	apiKeySource       = apikeyv3.KeySource
	apiKeyCredential   = apikeyv3.Credential
	corsFilter         = corsv3.Cors
	corsPolicyConfig   = corsv3.CorsPolicy
	router             = routerv3.Router
	upstreamTLSContext = tlsv3.UpstreamTlsContext

	accessLog            = accesslogv3.AccessLog
	accessLogTypedConfig = accesslogv3.AccessLog_TypedConfig
	fileAccessLog        = filev3.FileAccessLog
)

var (
	marshalOptions   = protojson.MarshalOptions{UseProtoNames: true}
	unmarshalOptions = protojson.UnmarshalOptions{DiscardUnknown: true}
)

// marshalYAML renders msg as YAML with snake_case field names. Keys are
// sorted, so equal messages give equal output.
func marshalYAML(msg proto.Message) ([]byte, error) {
	js, err := marshalOptions.Marshal(msg)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding bootstrap")
	}
	out, err := yaml.JSONToYAML(js)
	if err != nil {
		return nil, errors.WithMessage(err, "converting bootstrap to yaml")
	}
	return append([]byte("# "+xlate.GeneratedHeader+"\n"), out...), nil
}
