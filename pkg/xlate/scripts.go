package xlate

import (
	"github.com/jxskiss/gwxlate/pkg/ir"
)

// BodyParams parameterizes the body transformation snippets.
type BodyParams struct {
	Request  ir.BodyOps `json:"request"`
	Response ir.BodyOps `json:"response"`
}

// MirrorParams parameterizes the sampling mirror snippet.
type MirrorParams struct {
	Name    string  `json:"name"`
	URL     string  `json:"url"`
	Percent float64 `json:"percent"`
}

// BodyOpsParams parameterizes single-direction body snippets.
type BodyOpsParams struct {
	Ops ir.BodyOps `json:"ops"`
}

const luaOpsTable = `{
  remove = { {{- range .Remove}} {{lua .}},{{end}} },
  rename = { {{- range .Rename}} { {{lua .From}}, {{lua .To}} },{{end}} },
  add = { {{- range .Add}} { {{lua .Name}}, {{lua .Value}} },{{end}} },
}`

const luaApplyOps = `local function apply_ops(doc, ops)
  for _, k in ipairs(ops.remove) do
    doc[k] = nil
  end
  for _, r in ipairs(ops.rename) do
    if doc[r[1]] ~= nil then
      doc[r[2]] = doc[r[1]]
      doc[r[1]] = nil
    end
  end
  for _, a in ipairs(ops.add) do
    doc[a[1]] = a[2]
  end
  return doc
end`

// EnvoyLuaBody rewrites JSON bodies in the Envoy Lua filter. It needs a
// cjson module on the Lua path of the proxy.
var EnvoyLuaBody = NewSnippet("body_transform", 1, Lua, `local cjson = require("cjson.safe")

local request_ops = {{with .Request}}`+luaOpsTable+`{{end}}

local response_ops = {{with .Response}}`+luaOpsTable+`{{end}}

`+luaApplyOps+`

local function rewrite(body, ops)
  if body == nil then
    return
  end
  local doc = cjson.decode(body:getBytes(0, body:length()))
  if type(doc) ~= "table" then
    return
  end
  body:setBytes(cjson.encode(apply_ops(doc, ops)))
end

function envoy_on_request(request_handle)
{{- if or .Request.Add .Request.Remove .Request.Rename}}
  rewrite(request_handle:body(), request_ops)
{{- end}}
end

function envoy_on_response(response_handle)
{{- if or .Response.Add .Response.Remove .Response.Rename}}
  rewrite(response_handle:body(), response_ops)
{{- end}}
end
`)

// OpenRestyLuaBody rewrites the JSON request body in an APISIX
// serverless function.
var OpenRestyLuaBody = NewSnippet("request_body_transform", 1, Lua, `return function(conf, ctx)
  local core = require("apisix.core")
  local ops = {{with .Ops}}`+luaOpsTable+`{{end}}
  `+luaApplyOps+`
  local raw = core.request.get_body()
  if not raw then
    return
  end
  local doc = core.json.decode(raw)
  if type(doc) ~= "table" then
    return
  end
  ngx.req.set_body_data(core.json.encode(apply_ops(doc, ops)))
end
`)

// KongLuaMirror sends a sample of requests to a shadow URL from a Kong
// pre-function plugin. Sampling is random per request.
var KongLuaMirror = NewSnippet("mirror", 1, Lua, `local http = require("resty.http")
if math.random() * 100 < {{.Percent}} then
  local method = kong.request.get_method()
  local path = kong.request.get_path_with_query()
  local headers = kong.request.get_headers()
  local body = kong.request.get_raw_body()
  ngx.timer.at(0, function()
    local httpc = http.new()
    httpc:request_uri({{lua .URL}} .. path, { method = method, headers = headers, body = body })
  end)
end
`)

// APIMSetBody rewrites a JSON body in an Azure API Management policy
// expression. Use with BodyOpsParams and the "Request" or "Response"
// message name in Message.
var APIMSetBody = NewSnippet("set_body", 1, CSharp, `var body = context.{{.Message}}.Body.As<JObject>(preserveContent: true);
{{- range .Ops.Remove}}
body.Remove({{cs .}});
{{- end}}
{{- range .Ops.Rename}}
if (body[{{cs .From}}] != null) { body[{{cs .To}}] = body[{{cs .From}}]; body.Remove({{cs .From}}); }
{{- end}}
{{- range .Ops.Add}}
body[{{cs .Name}}] = {{cs .Value}};
{{- end}}
return body.ToString();
`)

// APIMBodyParams adds the message side to BodyOpsParams.
type APIMBodyParams struct {
	Message string     `json:"message"`
	Ops     ir.BodyOps `json:"ops"`
}

// AWSVTLBody rebuilds a JSON request body in an API Gateway mapping
// template.
var AWSVTLBody = NewSnippet("request_body_transform", 1, VTL, `#set($removed = [{{range $i, $r := .Ops.Remove}}{{if $i}}, {{end}}{{vtl $r}}{{end}}])
#set($renames = { {{- range $i, $r := .Ops.Rename}}{{if $i}}, {{end}}{{vtl $r.From}}: {{vtl $r.To}}{{end -}} })
#set($root = $input.path('$'))
#set($sep = "")
{
{{- range .Ops.Add}}
$sep{{json .Name}}: {{json .Value}}
#set($sep = ",")
{{- end}}
#foreach($key in $root.keySet())
#if(!$removed.contains($key))
#set($name = $key)
#if($renames.containsKey($key))
#set($name = $renames.get($key))
#end
$sep"$name": $input.json("$['$key']")
#set($sep = ",")
#end
#end
}
`)

// OpenRestyLuaRequestBody rewrites the JSON request body from an
// access_by_lua_file handler of a plain OpenResty build.
var OpenRestyLuaRequestBody = NewSnippet("request_body_transform", 1, Lua, `local cjson = require("cjson.safe")

local ops = {{with .Ops}}`+luaOpsTable+`{{end}}

`+luaApplyOps+`

ngx.req.read_body()
local raw = ngx.req.get_body_data()
if not raw then
  return
end
local doc = cjson.decode(raw)
if type(doc) ~= "table" then
  return
end
ngx.req.set_body_data(cjson.encode(apply_ops(doc, ops)))
`)

// APIKeyParams parameterizes the query parameter key check.
type APIKeyParams struct {
	Query string   `json:"query"`
	Keys  []string `json:"keys"`
}

// APIMQueryKey is the condition of an APIM choose policy. It is true
// when the query parameter does not carry an accepted key.
var APIMQueryKey = NewSnippet("api_key_query", 1, CSharp, `var keys = new string[] { {{- range $i, $k := .Keys}}{{if $i}},{{end}} {{cs $k}}{{end}} };
return !keys.Contains(context.Request.Url.Query.GetValueOrDefault({{cs .Query}}, ""));
`)

// APIMMirror is the sampling condition in front of an APIM
// send-one-way-request. Use with MirrorParams.
var APIMMirror = NewSnippet("mirror", 1, CSharp, `return new Random().NextDouble() * 100 < {{.Percent}};
`)
